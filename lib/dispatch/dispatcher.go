// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch contains the leader-gated scheduling core: it
// matches resource offers from the cluster resource manager against
// pending launch demand, manages the revive/suppress protocol, and
// absorbs status feedback, all scoped to one leadership term at a
// time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/lib/dispatch/flow"
	"github.com/halyard-dev/halyard/lib/dispatch/launchqueue"
	"github.com/halyard-dev/halyard/sdk/go/ctxlog"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// How many times a dead driver connection is redialed before the
// process gives up and exits.
const maxReconnectAttempts = 5

// ErrNotLeader is returned by Submit while this process is not the
// elected leader.
var ErrNotLeader = errors.New("not the elected leader")

// A Dispatcher is the process-wide scheduling service. While this
// process holds leadership it runs one epoch of the scheduling
// pipeline; on defeat the epoch is discarded wholesale. The
// Dispatcher itself lives for the whole process.
type Dispatcher struct {
	Config       *halyard.Config
	Context      context.Context
	Registry     *prometheus.Registry
	Tracker      InstanceTracker
	Elector      Elector
	Store        DemandStore // may be nil: demand is then in-memory only
	Requirements launchqueue.Requirements

	// NewDriver opens a connection to the resource manager. One
	// call per epoch or reconnect.
	NewDriver func(ctx context.Context, logger logrus.FieldLogger) (Driver, error)

	logger      logrus.FieldLogger
	httpHandler http.Handler

	setupOnce sync.Once
	mtx       sync.Mutex
	leading   bool
	epoch     *epoch
	epochSeq  int64

	// fatalf is logger.Fatalf outside tests.
	fatalf func(format string, args ...interface{})
}

// Start registers the leadership callbacks and the management API.
// Start can be called multiple times with no ill effect.
func (disp *Dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *Dispatcher) CheckHealth() error {
	disp.Start()
	return nil
}

// Done implements service.Handler. The dispatcher never shuts itself
// down.
func (disp *Dispatcher) Done() <-chan struct{} { return nil }

func (disp *Dispatcher) setup() {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.fatalf == nil {
		disp.fatalf = disp.logger.Fatalf
	}
	disp.setupRoutes()
	disp.Elector.Register(disp.onElected, disp.onDefeated)
}

// onElected synchronously builds and starts a fresh epoch. An
// irrecoverable startup failure is fatal: the process exits rather
// than run as a silently broken leader.
func (disp *Dispatcher) onElected() {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.epoch != nil {
		disp.logger.Error("BUG: elected while an epoch is already running")
		return
	}
	disp.leading = true
	if err := disp.startEpochLocked(); err != nil {
		disp.fatalf("error starting leader epoch: %s", err)
	}
}

// onDefeated tears down the current epoch, declining any offer
// mid-match. A second defeat without an intervening election is a
// no-op.
func (disp *Dispatcher) onDefeated() {
	disp.mtx.Lock()
	disp.leading = false
	ep := disp.epoch
	disp.epoch = nil
	disp.mtx.Unlock()
	if ep == nil {
		return
	}
	disp.logger.WithField("Epoch", ep.id).Info("leadership lost, stopping epoch")
	ep.stop()
}

// Caller must have lock.
func (disp *Dispatcher) startEpochLocked() error {
	disp.epochSeq++
	id := disp.epochSeq
	logger := disp.logger.WithField("Epoch", id)
	driver, err := disp.NewDriver(disp.Context, logger)
	if err != nil {
		return err
	}
	ep := newEpoch(disp.Context, id, disp.Config, logger, driver, disp.Tracker,
		disp.Requirements, func() { go disp.reconnect(id) })
	if err := ep.start(disp.Context, disp.Store); err != nil {
		ep.stop()
		return err
	}
	disp.epoch = ep
	logger.Info("epoch started")
	return nil
}

// reconnect handles a heartbeat-declared dead connection: the current
// epoch is torn down (matching stops) and a new one is started on a
// fresh connection. Leadership itself is not lost. If reconnection
// keeps failing the process exits rather than run split-brained.
func (disp *Dispatcher) reconnect(epochID int64) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if disp.epoch == nil || disp.epoch.id != epochID {
		// Stale signal from an epoch already torn down.
		return
	}
	disp.logger.WithField("Epoch", epochID).Warn("reconnecting to resource manager")
	disp.epoch.stop()
	disp.epoch = nil
	for attempt := 1; ; attempt++ {
		err := disp.startEpochLocked()
		if err == nil {
			return
		}
		if attempt >= maxReconnectAttempts {
			disp.fatalf("error reconnecting to resource manager after %d attempts: %s", attempt, err)
			return
		}
		disp.logger.WithField("Attempt", attempt).WithError(err).Error("error reconnecting to resource manager")
		// Release the lock during the backoff so demand changes,
		// status submissions, and the management API stay
		// responsive while the connection is down.
		disp.mtx.Unlock()
		time.Sleep(time.Duration(attempt) * time.Second)
		disp.mtx.Lock()
		if !disp.leading || disp.epoch != nil {
			// Leadership was lost, or a newer election
			// already started an epoch, while we slept.
			return
		}
	}
}

// Leader reports whether this process currently runs an epoch.
func (disp *Dispatcher) Leader() bool {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.epoch != nil
}

// SetDemand is the workload-lifecycle collaborator's entry point: it
// persists the desired count and, while leader, applies it to the
// launch queue.
func (disp *Dispatcher) SetDemand(ctx context.Context, id halyard.RunSpecID, desired int) error {
	if disp.Store != nil {
		if err := disp.Store.Put(ctx, id, desired); err != nil {
			return err
		}
	}
	disp.mtx.Lock()
	ep := disp.epoch
	disp.mtx.Unlock()
	if ep != nil {
		ep.queue.SetDemand(id, desired)
	}
	return nil
}

// Pending returns the current demand snapshot, empty while not
// leader.
func (disp *Dispatcher) Pending() []launchqueue.DemandSnapshot {
	disp.mtx.Lock()
	ep := disp.epoch
	disp.mtx.Unlock()
	if ep == nil {
		return nil
	}
	return ep.queue.Pending()
}

// WantsOffers reports the combined demand signal, false while not
// leader.
func (disp *Dispatcher) WantsOffers() bool {
	disp.mtx.Lock()
	ep := disp.epoch
	disp.mtx.Unlock()
	return ep != nil && ep.wantsOffers()
}

// Submit is the status-event ingress for collaborators that deliver
// events directly rather than through the driver. It returns
// updates.ErrQueueOverflow when the throttle is full and
// ErrNotLeader while no epoch is running.
func (disp *Dispatcher) Submit(ev halyard.StatusEvent) error {
	disp.mtx.Lock()
	ep := disp.epoch
	disp.mtx.Unlock()
	if ep == nil {
		return ErrNotLeader
	}
	return ep.throttle.Submit(ev)
}

// statusView is the management API's status document.
type statusView struct {
	Leader        bool       `json:"leader"`
	Epoch         int64      `json:"epoch,omitempty"`
	WantsOffers   bool       `json:"wants_offers"`
	FlowState     flow.State `json:"flow_state,omitempty"`
	DriverHealthy bool       `json:"driver_healthy"`
}

func (disp *Dispatcher) status() statusView {
	disp.mtx.Lock()
	ep := disp.epoch
	disp.mtx.Unlock()
	if ep == nil {
		return statusView{}
	}
	return statusView{
		Leader:        true,
		Epoch:         ep.id,
		WantsOffers:   ep.wantsOffers(),
		FlowState:     ep.flow.State(),
		DriverHealthy: ep.heartbeat.Healthy(),
	}
}

// gather serves process metrics plus the current epoch's, so
// epoch-scoped collectors disappear cleanly with their epoch.
func (disp *Dispatcher) gather() prometheus.Gatherers {
	gatherers := prometheus.Gatherers{}
	if disp.Registry != nil {
		gatherers = append(gatherers, disp.Registry)
	}
	disp.mtx.Lock()
	if disp.epoch != nil {
		gatherers = append(gatherers, disp.epoch.reg)
	}
	disp.mtx.Unlock()
	return gatherers
}

func (disp *Dispatcher) setupRoutes() {
	if disp.Config.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/halyard/v1/dispatch/demand", disp.apiDemandList)
	mux.HandlerFunc("POST", "/halyard/v1/dispatch/demand", disp.apiDemandSet)
	mux.HandlerFunc("GET", "/halyard/v1/dispatch/status", disp.apiStatus)
	metricsH := promhttp.HandlerFor(prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		return disp.gather().Gather()
	}), promhttp.HandlerOpts{})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"health": "OK"})
	})
	disp.httpHandler = requireLiteralToken(disp.Config.ManagementToken, mux)
}

// Management API: current demand snapshot.
func (disp *Dispatcher) apiDemandList(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []launchqueue.DemandSnapshot `json:"items"`
	}
	resp.Items = disp.Pending()
	json.NewEncoder(w).Encode(resp)
}

// Management API: upsert desired count for one RunSpec.
func (disp *Dispatcher) apiDemandSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunSpecID halyard.RunSpecID `json:"run_spec_id"`
		Desired   int               `json:"desired"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunSpecID == "" {
		http.Error(w, "bad request: expected {\"run_spec_id\": ..., \"desired\": ...}", http.StatusBadRequest)
		return
	}
	if err := disp.SetDemand(r.Context(), req.RunSpecID, req.Desired); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: leadership, flow, and connection status.
func (disp *Dispatcher) apiStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(disp.status())
}

// requireLiteralToken accepts only requests bearing the exact
// configured management token.
func requireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
