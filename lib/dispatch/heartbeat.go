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
)

// A heartbeatMonitor watches the driver's heartbeat channel. After
// failureThreshold consecutive missed intervals it calls onFailure
// exactly once; a later heartbeat resets the counter and re-arms the
// callback.
type heartbeatMonitor struct {
	logger           logrus.FieldLogger
	interval         time.Duration
	failureThreshold int
	beats            <-chan time.Time
	onFailure        func()

	mtx     sync.Mutex
	missed  int
	healthy bool

	mMissed      prometheus.Counter
	mDisconnects prometheus.Counter
}

func newHeartbeatMonitor(logger logrus.FieldLogger, reg *prometheus.Registry, interval time.Duration, failureThreshold int, beats <-chan time.Time, onFailure func()) *heartbeatMonitor {
	hb := &heartbeatMonitor{
		logger:           logger,
		interval:         interval,
		failureThreshold: failureThreshold,
		beats:            beats,
		onFailure:        onFailure,
		healthy:          true,
	}
	hb.mMissed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "heartbeats_missed_total",
		Help:      "Number of expected heartbeats that did not arrive in time.",
	})
	hb.mDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "driver_disconnects_total",
		Help:      "Number of times the driver connection was declared dead.",
	})
	if reg != nil {
		reg.MustRegister(hb.mMissed, hb.mDisconnects)
	}
	return hb
}

// Healthy reports whether the connection is currently presumed alive.
func (hb *heartbeatMonitor) Healthy() bool {
	hb.mtx.Lock()
	defer hb.mtx.Unlock()
	return hb.healthy
}

// run watches for heartbeats until ctx is cancelled or the beats
// channel closes.
func (hb *heartbeatMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-hb.beats:
			if !ok {
				return
			}
			hb.beat()
			ticker.Reset(hb.interval)
		case <-ticker.C:
			hb.miss()
		}
	}
}

func (hb *heartbeatMonitor) beat() {
	hb.mtx.Lock()
	defer hb.mtx.Unlock()
	hb.missed = 0
	if !hb.healthy {
		hb.logger.Info("driver connection recovered")
		hb.healthy = true
	}
}

func (hb *heartbeatMonitor) miss() {
	hb.mtx.Lock()
	hb.missed++
	hb.mMissed.Inc()
	fire := hb.healthy && hb.missed >= hb.failureThreshold
	if fire {
		hb.healthy = false
		hb.mDisconnects.Inc()
	}
	missed := hb.missed
	hb.mtx.Unlock()
	if fire {
		hb.logger.WithFields(logrus.Fields{
			"Missed":   missed,
			"Interval": hb.interval,
		}).Error("driver connection presumed dead")
		if hb.onFailure != nil {
			hb.onFailure()
		}
	}
}
