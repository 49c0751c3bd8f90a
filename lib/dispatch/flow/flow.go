// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package flow turns the combined wants-offers signal into revive and
// suppress calls to the resource manager, rate-limited by a token
// bucket so a flapping signal cannot cause a revive storm.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// A Driver is the subset of the resource-manager driver the
// controller needs.
type Driver interface {
	ReviveOffers() error
	SuppressOffers() error
}

// State of the controller's offer flow.
type State string

const (
	StateSuppressed State = "Suppressed"
	StateActive     State = "Active"
)

// A Controller watches a wants-offers predicate and drives the
// resource manager's offer flow:
//
// Suppressed -> Active on the rising edge of the signal, consuming
// one token from the bucket (one refill per interval, bounded burst).
// With the bucket empty the revive is deferred until the next refill,
// never dropped.
//
// Active -> Suppressed after the signal has stayed false for the
// debounce period, with one suppress call.
type Controller struct {
	logger        logrus.FieldLogger
	driver        Driver
	wants         func() bool
	limiter       *rate.Limiter
	suppressDelay time.Duration

	poke   chan struct{}
	wakeup *time.Timer

	mtx         sync.Mutex
	state       State
	reservation *rate.Reservation
	reviveDue   time.Time
	suppressDue time.Time

	runOnce sync.Once
	stopped chan struct{}

	mRevives   prometheus.Counter
	mSuppress  prometheus.Counter
	mDeferred  prometheus.Counter
	mWantState prometheus.Gauge
}

// NewController returns an unstarted Controller in the Suppressed
// state. wants must be safe to call from the controller's goroutine
// at any time.
func NewController(logger logrus.FieldLogger, reg *prometheus.Registry, driver Driver, wants func() bool, reviveInterval time.Duration, reviveBurst int, suppressDelay time.Duration) *Controller {
	ctl := &Controller{
		logger:        logger,
		driver:        driver,
		wants:         wants,
		limiter:       rate.NewLimiter(rate.Every(reviveInterval), reviveBurst),
		suppressDelay: suppressDelay,
		poke:          make(chan struct{}, 1),
		wakeup:        time.NewTimer(time.Second),
		state:         StateSuppressed,
		stopped:       make(chan struct{}),
	}
	ctl.registerMetrics(reg)
	return ctl
}

func (ctl *Controller) registerMetrics(reg *prometheus.Registry) {
	ctl.mRevives = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "revives_total",
		Help:      "Number of revive calls issued to the resource manager.",
	})
	ctl.mSuppress = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "suppresses_total",
		Help:      "Number of suppress calls issued to the resource manager.",
	})
	ctl.mDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "deferred_revives_total",
		Help:      "Number of revives deferred because the token bucket was empty.",
	})
	ctl.mWantState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "offer_flow_active",
		Help:      "1 while offers are revived, 0 while suppressed.",
	})
	if reg != nil {
		reg.MustRegister(ctl.mRevives, ctl.mSuppress, ctl.mDeferred, ctl.mWantState)
	}
}

// State returns the current flow state.
func (ctl *Controller) State() State {
	ctl.mtx.Lock()
	defer ctl.mtx.Unlock()
	return ctl.state
}

// Poke asks the controller to re-evaluate the wants-offers signal.
// It never blocks; pokes coalesce.
func (ctl *Controller) Poke() {
	select {
	case ctl.poke <- struct{}{}:
	default:
	}
}

// Run evaluates the signal until ctx is cancelled. It returns after
// the final state change has been applied.
func (ctl *Controller) Run(ctx context.Context) {
	ctl.runOnce.Do(func() {
		defer close(ctl.stopped)
		ctl.step(time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ctl.poke:
			case <-ctl.wakeup.C:
			}
			ctl.step(time.Now())
		}
	})
}

// Done returns a channel that closes when Run has exited.
func (ctl *Controller) Done() <-chan struct{} { return ctl.stopped }

func (ctl *Controller) step(now time.Time) {
	ctl.mtx.Lock()
	defer ctl.mtx.Unlock()
	w := ctl.wants()
	switch ctl.state {
	case StateSuppressed:
		if !w {
			if ctl.reservation != nil {
				// Demand disappeared while a revive was
				// waiting for a token; give it back.
				ctl.reservation.Cancel()
				ctl.reservation = nil
				ctl.reviveDue = time.Time{}
			}
			return
		}
		if ctl.reservation == nil {
			res := ctl.limiter.Reserve()
			delay := res.DelayFrom(now)
			if delay <= 0 {
				ctl.revive()
				return
			}
			ctl.reservation = res
			ctl.reviveDue = now.Add(delay)
			ctl.mDeferred.Inc()
			ctl.logger.WithField("Delay", delay).Info("revive deferred until token refill")
			ctl.wakeAt(now, ctl.reviveDue)
			return
		}
		if !now.Before(ctl.reviveDue) {
			ctl.reservation = nil
			ctl.reviveDue = time.Time{}
			ctl.revive()
		} else {
			ctl.wakeAt(now, ctl.reviveDue)
		}
	case StateActive:
		if w {
			ctl.suppressDue = time.Time{}
			return
		}
		if ctl.suppressDue.IsZero() {
			ctl.suppressDue = now.Add(ctl.suppressDelay)
			ctl.wakeAt(now, ctl.suppressDue)
			return
		}
		if !now.Before(ctl.suppressDue) {
			ctl.suppressDue = time.Time{}
			ctl.suppress()
		} else {
			ctl.wakeAt(now, ctl.suppressDue)
		}
	}
}

// Caller must have lock.
func (ctl *Controller) revive() {
	if err := ctl.driver.ReviveOffers(); err != nil {
		ctl.logger.WithError(err).Warn("error reviving offers")
	}
	ctl.mRevives.Inc()
	ctl.mWantState.Set(1)
	ctl.state = StateActive
	ctl.logger.Info("revived offers")
}

// Caller must have lock.
func (ctl *Controller) suppress() {
	if err := ctl.driver.SuppressOffers(); err != nil {
		ctl.logger.WithError(err).Warn("error suppressing offers")
	}
	ctl.mSuppress.Inc()
	ctl.mWantState.Set(0)
	ctl.state = StateSuppressed
	ctl.logger.Info("suppressed offers")
}

// Caller must have lock.
func (ctl *Controller) wakeAt(now, due time.Time) {
	if !ctl.wakeup.Stop() {
		select {
		case <-ctl.wakeup.C:
		default:
		}
	}
	ctl.wakeup.Reset(due.Sub(now))
}
