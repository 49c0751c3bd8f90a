// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package launchqueue tracks per-workload launch demand and hosts one
// sub-matcher per RunSpec with outstanding demand.
package launchqueue

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/lib/dispatch/match"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Registry accepts sub-matcher registrations. Implemented by
// match.Manager.
type Registry interface {
	Register(match.SubMatcher)
	Deregister(halyard.RunSpecID)
}

// Requirements resolves a RunSpec's static per-instance resource
// requirement. Implemented by the workload-lifecycle collaborator,
// normally wrapped in a Cache.
type Requirements interface {
	Requirement(halyard.RunSpecID) (halyard.ResourceRequest, error)
}

// A DemandSnapshot is one entry of Pending()'s result.
type DemandSnapshot struct {
	RunSpecID halyard.RunSpecID `json:"run_spec_id"`
	Desired   int               `json:"desired"`
	Demand    int               `json:"demand"`
}

type ent struct {
	desired int
	demand  int
	req     halyard.ResourceRequest
}

// A Queue is the sole mutator of demand. It registers a per-RunSpec
// matcher with the Registry when a RunSpec's demand becomes positive
// and deregisters it when demand returns to zero.
//
// Mutating methods and read methods use cached in-memory state only
// and never block on I/O. Subscribers are notified after every demand
// change (see Subscribe).
type Queue struct {
	logger   logrus.FieldLogger
	registry Registry
	reqs     Requirements

	mtx         sync.Mutex
	demand      map[halyard.RunSpecID]*ent
	subscribers map[<-chan struct{}]chan struct{}

	mDemandTotal    prometheus.Gauge
	mRunSpecs       prometheus.Gauge
	mInconsistent   prometheus.Counter
	mLaunchAccepted prometheus.Counter
	mTerminated     prometheus.Counter
}

// NewQueue returns an empty Queue that registers matchers with the
// given registry and resolves requirements with reqs.
func NewQueue(logger logrus.FieldLogger, reg *prometheus.Registry, registry Registry, reqs Requirements) *Queue {
	q := &Queue{
		logger:      logger,
		registry:    registry,
		reqs:        reqs,
		demand:      map[halyard.RunSpecID]*ent{},
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	q.registerMetrics(reg)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	q.mDemandTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "demand_instances",
		Help:      "Total number of instances waiting to be launched.",
	})
	q.mRunSpecs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "runspecs_with_demand",
		Help:      "Number of RunSpecs with outstanding demand.",
	})
	q.mInconsistent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "demand_inconsistencies_total",
		Help:      "Number of accepted-launch reports that would have driven demand negative.",
	})
	q.mLaunchAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "launches_accepted_total",
		Help:      "Number of launch operations accepted by the resource manager.",
	})
	q.mTerminated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "instances_terminated_total",
		Help:      "Number of terminated instances reported while their RunSpec was still desired.",
	})
	if reg != nil {
		reg.MustRegister(q.mDemandTotal, q.mRunSpecs, q.mInconsistent, q.mLaunchAccepted, q.mTerminated)
	}
}

// Subscribe returns a channel that becomes ready to receive when any
// RunSpec's demand changes.
//
//	ch := q.Subscribe()
//	defer q.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Caller must have lock.
func (q *Queue) notify() {
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Caller must have lock.
func (q *Queue) updateGauges() {
	var total, specs int
	for _, e := range q.demand {
		if e.demand > 0 {
			total += e.demand
			specs++
		}
	}
	q.mDemandTotal.Set(float64(total))
	q.mRunSpecs.Set(float64(specs))
}

// SetDemand upserts the desired instance count for a RunSpec.
// Outstanding demand moves by the change in desired count, so
// instances already placed stay placed. Desired <= 0 drops the record
// entirely; later LaunchAccepted/InstanceTerminated calls for the
// RunSpec are no-ops until SetDemand is called again.
func (q *Queue) SetDemand(id halyard.RunSpecID, desired int) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.demand[id]
	if desired <= 0 {
		if ok {
			delete(q.demand, id)
			q.registry.Deregister(id)
			q.logger.WithField("RunSpecID", id).Info("demand dropped")
			q.updateGauges()
			q.notify()
		}
		return
	}
	if !ok {
		req, err := q.reqs.Requirement(id)
		if err != nil {
			// An unknown requirement keeps the record but
			// can never match (empty requests don't fit),
			// so a lookup outage can't launch unsized
			// instances.
			q.logger.WithField("RunSpecID", id).WithError(err).Error("error resolving resource requirement")
		}
		e = &ent{req: req}
		q.demand[id] = e
	}
	hadDemand := ok && e.demand > 0
	e.demand += desired - e.desired
	if e.demand < 0 {
		e.demand = 0
	}
	e.desired = desired
	q.logger.WithFields(logrus.Fields{
		"RunSpecID": id,
		"Desired":   desired,
		"Demand":    e.demand,
	}).Info("demand updated")
	if e.demand > 0 && !hadDemand {
		q.registry.Register(&runSpecMatcher{queue: q, id: id})
	} else if e.demand == 0 && hadDemand {
		q.registry.Deregister(id)
	}
	q.updateGauges()
	q.notify()
}

// LaunchAccepted reports that n launch operations for the RunSpec
// were accepted by the resource manager. Demand never goes below
// zero; an underrun is clamped and logged as an inconsistency.
func (q *Queue) LaunchAccepted(id halyard.RunSpecID, n int) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.demand[id]
	if !ok {
		return
	}
	q.mLaunchAccepted.Add(float64(n))
	if e.demand < n {
		q.mInconsistent.Inc()
		q.logger.WithFields(logrus.Fields{
			"RunSpecID": id,
			"Demand":    e.demand,
			"Accepted":  n,
		}).Error("BUG: accepted launches exceed outstanding demand, clamping at zero")
		n = e.demand
	}
	e.demand -= n
	if e.demand == 0 {
		q.registry.Deregister(id)
	}
	q.updateGauges()
	q.notify()
}

// InstanceTerminated reports that one instance of the RunSpec
// terminated. If the RunSpec is still desired, its demand rises by
// one and its matcher is (re)registered as needed.
func (q *Queue) InstanceTerminated(id halyard.RunSpecID) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.demand[id]
	if !ok {
		return
	}
	q.mTerminated.Inc()
	e.demand++
	if e.demand == 1 {
		q.registry.Register(&runSpecMatcher{queue: q, id: id})
	}
	if e.demand > e.desired {
		// More terminations reported than instances desired;
		// don't launch beyond the desired count.
		e.demand = e.desired
	}
	q.updateGauges()
	q.notify()
}

// Pending returns a snapshot of all records with outstanding demand,
// ordered by RunSpecID. It reflects state at call time, not a live
// view.
func (q *Queue) Pending() []DemandSnapshot {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	snaps := make([]DemandSnapshot, 0, len(q.demand))
	for id, e := range q.demand {
		if e.demand > 0 {
			snaps = append(snaps, DemandSnapshot{RunSpecID: id, Desired: e.desired, Demand: e.demand})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].RunSpecID < snaps[j].RunSpecID })
	return snaps
}

// WantsOffers reports whether any RunSpec has outstanding demand.
func (q *Queue) WantsOffers() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, e := range q.demand {
		if e.demand > 0 {
			return true
		}
	}
	return false
}

func (q *Queue) demandOf(id halyard.RunSpecID) (demand int, req halyard.ResourceRequest) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if e, ok := q.demand[id]; ok {
		return e.demand, e.req
	}
	return 0, halyard.ResourceRequest{}
}
