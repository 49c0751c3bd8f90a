// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/lib/dispatch/flow"
	"github.com/halyard-dev/halyard/lib/dispatch/launchqueue"
	"github.com/halyard-dev/halyard/lib/dispatch/match"
	"github.com/halyard-dev/halyard/lib/dispatch/updates"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// How often the reconciler's instance-tracker snapshot is refreshed.
const trackerPollInterval = 5 * time.Second

// An epoch is one leadership term's worth of scheduling pipeline. All
// component state is constructed on election and discarded wholesale
// on defeat or reconnect; only the demand store outlives it. Work
// tagged with a stale epoch is dropped by the Dispatcher.
type epoch struct {
	id     int64
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	reg    *prometheus.Registry

	driver     Driver
	tracker    InstanceTracker
	queue      *launchqueue.Queue
	manager    *match.Manager
	reconciler *match.Reconciler
	combinator *match.Combinator
	flow       *flow.Controller
	throttle   *updates.Throttle
	heartbeat  *heartbeatMonitor

	wg       sync.WaitGroup
	started  bool // goroutines launched by start
	stopOnce sync.Once

	mOffersReceived prometheus.Counter
	mOffersAccepted prometheus.Counter
	mOffersDeclined prometheus.Counter
	mStatusEvents   *prometheus.CounterVec
}

// newEpoch wires components 1-7 for one leadership term. The caller
// provides a connected driver; everything else is built here. Demand
// reload and goroutine startup happen in start().
func newEpoch(ctx context.Context, id int64, cfg *halyard.Config, logger logrus.FieldLogger, driver Driver, tracker InstanceTracker, reqs launchqueue.Requirements, onDisconnect func()) *epoch {
	ctx, cancel := context.WithCancel(ctx)
	reg := prometheus.NewRegistry()
	ep := &epoch{
		id:      id,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		reg:     reg,
		driver:  driver,
		tracker: tracker,
	}
	dcfg := cfg.Dispatch
	ep.manager = match.NewManager(logger)
	ep.queue = launchqueue.NewQueue(logger, reg, ep.manager, reqs)
	ep.reconciler = match.NewReconciler(logger, reg)
	ep.combinator = match.NewCombinator(logger, reg,
		dcfg.MatchTimeout.Duration(), dcfg.MatchFaultWindow.Duration(),
		ep.reconciler, ep.manager)
	ep.flow = flow.NewController(logger, reg, driver, ep.wantsOffers,
		dcfg.ReviveInterval.Duration(), dcfg.ReviveBurst, dcfg.SuppressDelay.Duration())
	ep.throttle = updates.NewThrottle(logger, reg,
		dcfg.StatusMaxConcurrent, dcfg.StatusMaxQueue, ep.handleStatus)
	ep.heartbeat = newHeartbeatMonitor(logger, reg,
		dcfg.HeartbeatInterval.Duration(), dcfg.HeartbeatFailureThreshold,
		driver.Heartbeats(), onDisconnect)
	ep.registerMetrics(reg)
	return ep
}

func (ep *epoch) registerMetrics(reg *prometheus.Registry) {
	ep.mOffersReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "offers_received_total",
		Help:      "Number of offers received from the resource manager.",
	})
	ep.mOffersAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "offers_accepted_total",
		Help:      "Number of offers accepted with at least one operation.",
	})
	ep.mOffersDeclined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "offers_declined_total",
		Help:      "Number of offers declined unused.",
	})
	ep.mStatusEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "status_events_total",
		Help:      "Number of processed status events, by instance state.",
	}, []string{"state"})
	reg.MustRegister(ep.mOffersReceived, ep.mOffersAccepted, ep.mOffersDeclined, ep.mStatusEvents)
}

// wantsOffers is the combined signal driving the flow controller.
func (ep *epoch) wantsOffers() bool {
	return ep.queue.WantsOffers() || ep.reconciler.PendingWork()
}

// start reloads persisted demand and launches the epoch's goroutines.
// ctx is the dispatcher's context, used only for the initial loads.
func (ep *epoch) start(ctx context.Context, store DemandStore) error {
	if store != nil {
		desired, err := store.Load(ctx)
		if err != nil {
			return err
		}
		for id, n := range desired {
			ep.queue.SetDemand(id, n)
		}
		ep.logger.WithField("RunSpecs", len(desired)).Info("demand reloaded")
	}
	if snap, err := ep.tracker.Snapshot(ctx); err != nil {
		// Not fatal: the reconciler stays idle until the first
		// successful poll.
		ep.logger.WithError(err).Warn("error fetching initial instance-tracker snapshot")
	} else {
		ep.reconciler.UpdateSnapshot(snap)
	}

	ep.started = true
	ep.wg.Add(5)
	go ep.runOffers()
	go ep.runStatusUpdates()
	go ep.runQueueNotify()
	go ep.runTrackerPoll()
	go func() {
		defer ep.wg.Done()
		ep.heartbeat.run(ep.ctx)
	}()
	go ep.flow.Run(ep.ctx)
	return nil
}

// stop tears the epoch down: in-flight matching is cancelled, the
// offer mid-match (if any) is declined by runOffers, and every
// goroutine has exited by the time stop returns. Safe to call more
// than once, and on an epoch whose start failed before launching any
// goroutines.
func (ep *epoch) stop() {
	ep.stopOnce.Do(func() {
		ep.cancel()
		ep.driver.Stop()
		ep.wg.Wait()
		if ep.started {
			<-ep.flow.Done()
		}
		ep.throttle.Stop()
		ep.logger.Info("epoch stopped")
	})
}

// runOffers feeds every incoming offer through the combinator and
// answers the resource manager. Offers arriving after teardown begins
// are declined without matching.
func (ep *epoch) runOffers() {
	defer ep.wg.Done()
	for offer := range ep.driver.Offers() {
		ep.mOffersReceived.Inc()
		var ops []halyard.LaunchOperation
		if ep.ctx.Err() == nil {
			ops = ep.combinator.Match(ep.ctx, offer)
		}
		if ep.ctx.Err() != nil || len(ops) == 0 {
			ep.mOffersDeclined.Inc()
			if err := ep.driver.Decline(offer.ID); err != nil && unspam("decline: "+err.Error()) {
				ep.logger.WithField("OfferID", offer.ID).WithError(err).Warn("error declining offer")
			}
			continue
		}
		if err := ep.driver.Accept(offer.ID, ops); err != nil {
			// The offer is lost; demand stays put and the
			// next offer retries.
			ep.logger.WithField("OfferID", offer.ID).WithError(err).Error("error accepting offer")
			continue
		}
		ep.mOffersAccepted.Inc()
		launches := map[halyard.RunSpecID]int{}
		for _, op := range ops {
			ep.tracker.RecordAccepted(op)
			if op.Type == halyard.OpLaunch {
				launches[op.RunSpecID]++
			}
		}
		for id, n := range launches {
			ep.queue.LaunchAccepted(id, n)
		}
	}
}

// runStatusUpdates forwards driver status events into the throttle.
// Overflow is logged and left to the resource manager's at-least-once
// redelivery.
func (ep *epoch) runStatusUpdates() {
	defer ep.wg.Done()
	for ev := range ep.driver.StatusUpdates() {
		if err := ep.throttle.Submit(ev); err != nil && unspam("status: "+err.Error()) {
			ep.logger.WithFields(logrus.Fields{
				"InstanceID": ev.InstanceID,
				"State":      ev.State,
			}).WithError(err).Info("status update not admitted, expecting redelivery")
		}
	}
}

// handleStatus runs under the throttle's concurrency cap.
func (ep *epoch) handleStatus(ev halyard.StatusEvent) {
	ep.mStatusEvents.WithLabelValues(string(ev.State)).Inc()
	ep.logger.WithFields(logrus.Fields{
		"InstanceID": ev.InstanceID,
		"RunSpecID":  ev.RunSpecID,
		"State":      ev.State,
	}).Debug("status event")
	if ev.State.Terminal() {
		ep.queue.InstanceTerminated(ev.RunSpecID)
	}
}

// runQueueNotify forwards demand changes to the flow controller.
func (ep *epoch) runQueueNotify() {
	defer ep.wg.Done()
	ch := ep.queue.Subscribe()
	defer ep.queue.Unsubscribe(ch)
	for {
		select {
		case <-ep.ctx.Done():
			return
		case <-ch:
			ep.flow.Poke()
		}
	}
}

// runTrackerPoll keeps the reconciler's snapshot fresh and re-checks
// the combined wants-offers signal whenever it changes.
func (ep *epoch) runTrackerPoll() {
	defer ep.wg.Done()
	poll := time.NewTicker(trackerPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ep.ctx.Done():
			return
		case <-poll.C:
			snap, err := ep.tracker.Snapshot(ep.ctx)
			if err != nil {
				ep.logger.WithError(err).Warn("error fetching instance-tracker snapshot")
				continue
			}
			ep.reconciler.UpdateSnapshot(snap)
			ep.flow.Poke()
		}
	}
}
