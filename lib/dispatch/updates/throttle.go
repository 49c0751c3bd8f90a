// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package updates bounds concurrent processing of instance status
// events while preserving submission order per instance. Events
// beyond the concurrency cap are queued up to a limit; past the limit
// Submit fails fast with ErrQueueOverflow and leaves redelivery to
// the resource manager's at-least-once delivery.
package updates

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// ErrQueueOverflow is returned by Submit when the event queue is
// full. The caller may retry; the throttle never drops an admitted
// event.
var ErrQueueOverflow = errors.New("status update queue overflow")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("status update throttle stopped")

// A Handler processes one status event. Handlers for different
// instances run concurrently, up to the throttle's cap; events for
// the same instance are handled one at a time, in submission order.
type Handler func(halyard.StatusEvent)

// A Throttle admits up to MaxConcurrent events at once and queues up
// to MaxQueue more. Completion of an in-flight event admits the
// oldest queued event whose instance has no handler running, so one
// instance's events never overtake each other.
type Throttle struct {
	logger  logrus.FieldLogger
	handler Handler

	maxConcurrent int
	maxQueue      int

	mtx      sync.Mutex
	inflight int
	busy     map[halyard.InstanceID]bool
	queue    []halyard.StatusEvent
	stopping bool
	wg       sync.WaitGroup

	mAdmitted prometheus.Counter
	mRejected prometheus.Counter
	mInflight prometheus.Gauge
	mQueued   prometheus.Gauge
}

// NewThrottle returns a Throttle delivering admitted events to
// handler.
func NewThrottle(logger logrus.FieldLogger, reg *prometheus.Registry, maxConcurrent, maxQueue int, handler Handler) *Throttle {
	t := &Throttle{
		logger:        logger,
		handler:       handler,
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
		busy:          map[halyard.InstanceID]bool{},
	}
	t.registerMetrics(reg)
	return t
}

func (t *Throttle) registerMetrics(reg *prometheus.Registry) {
	t.mAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "status_events_admitted_total",
		Help:      "Number of status events admitted for processing.",
	})
	t.mRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "status_events_rejected_total",
		Help:      "Number of status events rejected with queue overflow.",
	})
	t.mInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "status_events_in_flight",
		Help:      "Number of status events currently being processed.",
	})
	t.mQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "status_events_queued",
		Help:      "Number of status events waiting in the throttle queue.",
	})
	if reg != nil {
		reg.MustRegister(t.mAdmitted, t.mRejected, t.mInflight, t.mQueued)
	}
}

// Submit admits, queues, or rejects one event. It never blocks.
func (t *Throttle) Submit(ev halyard.StatusEvent) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.stopping {
		return ErrStopped
	}
	if t.inflight < t.maxConcurrent && !t.busy[ev.InstanceID] {
		t.inflight++
		t.busy[ev.InstanceID] = true
		t.mInflight.Set(float64(t.inflight))
		t.mAdmitted.Inc()
		t.wg.Add(1)
		go t.work(ev)
		return nil
	}
	if len(t.queue) < t.maxQueue {
		t.queue = append(t.queue, ev)
		t.mQueued.Set(float64(len(t.queue)))
		t.mAdmitted.Inc()
		return nil
	}
	t.mRejected.Inc()
	return ErrQueueOverflow
}

// work processes one event, then keeps draining runnable queued
// events until there is nothing left for this slot to do. Every
// completion re-scans the queue, so an event waiting only on its own
// instance's in-flight predecessor is picked up as soon as that
// predecessor finishes.
func (t *Throttle) work(ev halyard.StatusEvent) {
	defer t.wg.Done()
	for {
		t.handle(ev)
		t.mtx.Lock()
		delete(t.busy, ev.InstanceID)
		next, ok := t.dequeueLocked()
		if t.stopping || !ok {
			t.inflight--
			t.mInflight.Set(float64(t.inflight))
			t.mtx.Unlock()
			return
		}
		ev = next
		t.busy[ev.InstanceID] = true
		t.mQueued.Set(float64(len(t.queue)))
		t.mtx.Unlock()
	}
}

// dequeueLocked removes and returns the oldest queued event whose
// instance has no handler in flight. Caller must have lock.
func (t *Throttle) dequeueLocked() (halyard.StatusEvent, bool) {
	for i, ev := range t.queue {
		if !t.busy[ev.InstanceID] {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return ev, true
		}
	}
	return halyard.StatusEvent{}, false
}

func (t *Throttle) handle(ev halyard.StatusEvent) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.WithFields(logrus.Fields{
				"InstanceID": ev.InstanceID,
				"State":      ev.State,
				"PanicValue": p,
			}).Error("status event handler panicked")
		}
	}()
	t.handler(ev)
}

// Stop rejects further submissions, discards queued events that have
// not started processing, and waits for in-flight handlers to finish.
func (t *Throttle) Stop() {
	t.mtx.Lock()
	t.stopping = true
	dropped := len(t.queue)
	t.queue = nil
	t.mQueued.Set(0)
	t.mtx.Unlock()
	if dropped > 0 {
		t.logger.WithField("Dropped", dropped).Info("discarding queued status events on shutdown")
	}
	t.wg.Wait()
}
