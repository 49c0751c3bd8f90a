// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"

	"github.com/halyard-dev/halyard/lib/dispatch/launchqueue"
	"github.com/halyard-dev/halyard/lib/dispatch/test"
	"github.com/halyard-dev/halyard/sdk/go/ctxlog"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// The test stubs must keep satisfying the collaborator interfaces.
var (
	_ Driver                   = (*test.StubDriver)(nil)
	_ InstanceTracker          = (*test.StubTracker)(nil)
	_ Elector                  = (*test.StubElector)(nil)
	_ DemandStore              = (*test.StubDemandStore)(nil)
	_ launchqueue.Requirements = (test.RequirementsMap)(nil)
)

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx     context.Context
	cfg     *halyard.Config
	tracker *test.StubTracker
	elector *test.StubElector
	store   *test.StubDemandStore
	disp    *Dispatcher

	mtx       sync.Mutex
	drivers   []*test.StubDriver
	driverErr error
	fatals    []string
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = &halyard.Config{
		ManagementToken: "apitoken",
		Dispatch: halyard.DispatchConfig{
			MatchTimeout:              halyard.Duration(time.Second),
			MatchFaultWindow:          halyard.Duration(time.Minute),
			ReviveInterval:            halyard.Duration(time.Millisecond),
			ReviveBurst:               100,
			SuppressDelay:             halyard.Duration(10 * time.Millisecond),
			StatusMaxConcurrent:       4,
			StatusMaxQueue:            16,
			HeartbeatInterval:         halyard.Duration(time.Hour),
			HeartbeatFailureThreshold: 2,
			RequirementCacheSize:      16,
		},
	}
	s.tracker = test.NewStubTracker()
	s.elector = &test.StubElector{}
	s.store = test.NewStubDemandStore(nil)
	s.drivers = nil
	s.driverErr = nil
	s.fatals = nil
	s.disp = &Dispatcher{
		Config:  s.cfg,
		Context: s.ctx,
		Tracker: s.tracker,
		Elector: s.elector,
		Store:   s.store,
		Requirements: test.RequirementsMap{
			test.RunSpecID(1): {CPUs: 1, MemMB: 1024},
			test.RunSpecID(2): {CPUs: 4, MemMB: 16384},
		},
		NewDriver: func(ctx context.Context, logger logrus.FieldLogger) (Driver, error) {
			s.mtx.Lock()
			defer s.mtx.Unlock()
			if s.driverErr != nil {
				return nil, s.driverErr
			}
			drv := test.NewStubDriver()
			s.drivers = append(s.drivers, drv)
			return drv, nil
		},
		fatalf: func(format string, args ...interface{}) {
			s.mtx.Lock()
			defer s.mtx.Unlock()
			s.fatals = append(s.fatals, fmt.Sprintf(format, args...))
		},
	}
	s.disp.Start()
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.elector.Defeat()
}

func (s *DispatcherSuite) driver(c *check.C, i int) *test.StubDriver {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c.Assert(len(s.drivers) > i, check.Equals, true)
	return s.drivers[i]
}

func (s *DispatcherSuite) driverCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.drivers)
}

func (s *DispatcherSuite) fatalCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.fatals)
}

func (s *DispatcherSuite) TestLaunchFlow(c *check.C) {
	// Demand set before election is persisted and reloaded when the
	// epoch starts.
	c.Assert(s.disp.SetDemand(s.ctx, test.RunSpecID(1), 3), check.IsNil)
	c.Check(s.disp.Leader(), check.Equals, false)

	s.elector.Elect()
	c.Check(s.disp.Leader(), check.Equals, true)
	drv := s.driver(c, 0)
	c.Check(s.disp.Pending(), check.DeepEquals, []launchqueue.DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 3, Demand: 3},
	})

	// Outstanding demand revives the offer flow.
	waitFor(c, time.Second, func() bool { return drv.Revives() == 1 })

	// An offer fitting two of the three wanted instances is accepted
	// with two launches.
	drv.SendOffer(test.Offer("o1", 2, 4096, 0))
	waitFor(c, time.Second, func() bool { return len(drv.Accepts()) == 1 })
	accept := drv.Accepts()[0]
	c.Check(accept.OfferID, check.Equals, halyard.OfferID("o1"))
	c.Assert(accept.Operations, check.HasLen, 2)
	for _, op := range accept.Operations {
		c.Check(op.Type, check.Equals, halyard.OpLaunch)
		c.Check(op.RunSpecID, check.Equals, test.RunSpecID(1))
	}
	c.Check(s.disp.Pending(), check.DeepEquals, []launchqueue.DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 3, Demand: 1},
	})
	c.Check(s.tracker.Recorded(), check.HasLen, 2)

	// A terminal status event brings the instance back into demand.
	gone := accept.Operations[0].InstanceID
	drv.SendStatus(halyard.StatusEvent{
		InstanceID: gone,
		RunSpecID:  test.RunSpecID(1),
		State:      halyard.InstanceFailed,
		Timestamp:  time.Now(),
	})
	waitFor(c, time.Second, func() bool {
		pending := s.disp.Pending()
		return len(pending) == 1 && pending[0].Demand == 2
	})
}

func (s *DispatcherSuite) TestOfferDeclinedWhenNothingFits(c *check.C) {
	c.Assert(s.disp.SetDemand(s.ctx, test.RunSpecID(2), 1), check.IsNil)
	s.elector.Elect()
	drv := s.driver(c, 0)

	// The only demand needs 4 cpus; the offer has 1.
	drv.SendOffer(test.Offer("o1", 1, 32768, 0))
	waitFor(c, time.Second, func() bool { return len(drv.Declines()) == 1 })
	c.Check(drv.Declines()[0], check.Equals, halyard.OfferID("o1"))
	c.Check(drv.Accepts(), check.HasLen, 0)
}

func (s *DispatcherSuite) TestReconcileWinsOffer(c *check.C) {
	live := test.InstanceID(1)
	gone := test.InstanceID(2)
	s.tracker.AddLive(live, test.RunSpecID(1))
	s.tracker.Decommission(gone)
	c.Assert(s.disp.SetDemand(s.ctx, test.RunSpecID(1), 1), check.IsNil)

	s.elector.Elect()
	drv := s.driver(c, 0)
	c.Check(s.disp.WantsOffers(), check.Equals, true)

	// The offer carries a stale reservation plus free resources that
	// would fit the pending launch. Reconciliation has priority and
	// wins the whole offer; the launch waits for the next one.
	offer := test.Offer("o1", 2, 4096, 0)
	offer.Resources = append(offer.Resources,
		test.ReservedCPU(live, 1),
		test.ReservedCPU(gone, 2),
	)
	drv.SendOffer(offer)
	waitFor(c, time.Second, func() bool { return len(drv.Accepts()) == 1 })
	accept := drv.Accepts()[0]
	c.Assert(accept.Operations, check.HasLen, 1)
	op := accept.Operations[0]
	c.Check(op.Type, check.Equals, halyard.OpUnreserve)
	c.Check(op.InstanceID, check.Equals, gone)
	c.Assert(op.Resources, check.HasLen, 1)
	c.Check(op.Resources.Scalar(halyard.ResourceCPUs), check.Equals, 2.0)

	// The next offer goes to the launch queue.
	drv.SendOffer(test.Offer("o2", 2, 4096, 0))
	waitFor(c, time.Second, func() bool { return len(drv.Accepts()) == 2 })
	accept = drv.Accepts()[1]
	c.Assert(accept.Operations, check.HasLen, 1)
	c.Check(accept.Operations[0].Type, check.Equals, halyard.OpLaunch)
	c.Check(accept.Operations[0].RunSpecID, check.Equals, test.RunSpecID(1))
}

func (s *DispatcherSuite) TestNotLeader(c *check.C) {
	c.Check(s.disp.Submit(halyard.StatusEvent{InstanceID: test.InstanceID(1)}), check.Equals, ErrNotLeader)
	c.Check(s.disp.Pending(), check.HasLen, 0)
	c.Check(s.disp.WantsOffers(), check.Equals, false)

	s.elector.Elect()
	c.Check(s.disp.Submit(halyard.StatusEvent{
		InstanceID: test.InstanceID(1),
		RunSpecID:  test.RunSpecID(1),
		State:      halyard.InstanceRunning,
	}), check.IsNil)

	s.elector.Defeat()
	c.Check(s.disp.Submit(halyard.StatusEvent{InstanceID: test.InstanceID(1)}), check.Equals, ErrNotLeader)
}

func (s *DispatcherSuite) TestDefeatIdempotentAndReelection(c *check.C) {
	c.Assert(s.disp.SetDemand(s.ctx, test.RunSpecID(1), 2), check.IsNil)
	s.elector.Elect()
	c.Check(s.disp.Leader(), check.Equals, true)

	s.elector.Defeat()
	s.elector.Defeat() // second defeat is a no-op
	c.Check(s.disp.Leader(), check.Equals, false)
	c.Check(s.driverCount(), check.Equals, 1)

	// Re-election builds a fresh epoch on a fresh connection and
	// reloads the persisted demand.
	s.elector.Elect()
	c.Check(s.disp.Leader(), check.Equals, true)
	c.Check(s.driverCount(), check.Equals, 2)
	c.Check(s.disp.Pending(), check.DeepEquals, []launchqueue.DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 2, Demand: 2},
	})
	c.Check(s.fatalCount(), check.Equals, 0)
}

func (s *DispatcherSuite) TestStartupFailureIsFatal(c *check.C) {
	s.mtx.Lock()
	s.driverErr = fmt.Errorf("resource manager unreachable")
	s.mtx.Unlock()
	s.elector.Elect()
	c.Check(s.disp.Leader(), check.Equals, false)
	c.Check(s.fatalCount(), check.Equals, 1)
}

func (s *DispatcherSuite) TestDemandLoadFailureIsFatal(c *check.C) {
	s.store.LoadError = fmt.Errorf("database is down")

	// The election callback must come back even though the epoch
	// never got its goroutines running.
	done := make(chan struct{})
	go func() {
		s.elector.Elect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("election callback did not return")
	}

	c.Check(s.disp.Leader(), check.Equals, false)
	c.Check(s.fatalCount(), check.Equals, 1)
	// The failed startup must not wedge the dispatcher lock.
	c.Check(s.disp.SetDemand(s.ctx, test.RunSpecID(1), 1), check.IsNil)
}

func (s *DispatcherSuite) TestReconnectBackoffDoesNotBlockAPI(c *check.C) {
	c.Assert(s.disp.SetDemand(s.ctx, test.RunSpecID(1), 1), check.IsNil)
	s.elector.Elect()
	c.Assert(s.disp.Leader(), check.Equals, true)

	s.mtx.Lock()
	s.driverErr = fmt.Errorf("resource manager unreachable")
	s.mtx.Unlock()
	go s.disp.reconnect(1)

	// The redial failed and reconnect is sleeping before the next
	// attempt. Demand changes and status submissions must not block
	// behind the backoff.
	waitFor(c, time.Second, func() bool { return !s.disp.Leader() })
	var derr, serr error
	done := make(chan struct{})
	go func() {
		derr = s.disp.SetDemand(s.ctx, test.RunSpecID(1), 2)
		s.disp.Pending()
		serr = s.disp.Submit(halyard.StatusEvent{InstanceID: test.InstanceID(1)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		c.Fatal("demand and status calls blocked during reconnect backoff")
	}
	c.Check(derr, check.IsNil)
	c.Check(serr, check.Equals, ErrNotLeader)

	// The next attempt succeeds on a fresh connection and reloads
	// the demand persisted during the outage.
	s.mtx.Lock()
	s.driverErr = nil
	s.mtx.Unlock()
	waitFor(c, 5*time.Second, func() bool { return s.disp.Leader() })
	c.Check(s.fatalCount(), check.Equals, 0)
	c.Check(s.disp.Pending(), check.DeepEquals, []launchqueue.DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 2, Demand: 2},
	})
}

func (s *DispatcherSuite) TestDefeatDuringReconnectStopsRedial(c *check.C) {
	s.elector.Elect()
	s.mtx.Lock()
	s.driverErr = fmt.Errorf("resource manager unreachable")
	s.mtx.Unlock()
	go s.disp.reconnect(1)
	waitFor(c, time.Second, func() bool { return !s.disp.Leader() })

	// Defeated during the backoff sleep: the redial loop must give
	// up instead of starting an epoch for a lost leadership.
	s.elector.Defeat()
	s.mtx.Lock()
	s.driverErr = nil
	s.mtx.Unlock()
	time.Sleep(1200 * time.Millisecond)
	c.Check(s.disp.Leader(), check.Equals, false)
	c.Check(s.driverCount(), check.Equals, 1)
	c.Check(s.fatalCount(), check.Equals, 0)
}

func (s *DispatcherSuite) TestHeartbeatFailureReconnects(c *check.C) {
	s.cfg.Dispatch.HeartbeatInterval = halyard.Duration(10 * time.Millisecond)
	s.elector.Elect()
	first := s.driver(c, 0)

	// No heartbeats arrive: the monitor declares the connection dead
	// and the dispatcher redials without losing leadership.
	waitFor(c, time.Second, func() bool { return s.driverCount() >= 2 })
	c.Check(s.disp.Leader(), check.Equals, true)
	c.Check(s.fatalCount(), check.Equals, 0)

	// The dead connection was stopped: sends no longer block.
	done := make(chan struct{})
	go func() {
		first.SendOffer(test.Offer("o1", 1, 1024, 0))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("first driver still accepting sends after reconnect")
	}
}

func (s *DispatcherSuite) request(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) TestManagementAPI(c *check.C) {
	c.Check(s.request("GET", "/_health/ping", "", nil).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.request("GET", "/_health/ping", "wrongtoken", nil).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.request("GET", "/_health/ping", "apitoken", nil).Code, check.Equals, http.StatusOK)

	s.elector.Elect()
	resp := s.request("POST", "/halyard/v1/dispatch/demand", "apitoken",
		[]byte(`{"run_spec_id":"/test/app-001","desired":2}`))
	c.Check(resp.Code, check.Equals, http.StatusNoContent)

	resp = s.request("GET", "/halyard/v1/dispatch/demand", "apitoken", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var demand struct {
		Items []launchqueue.DemandSnapshot `json:"items"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &demand), check.IsNil)
	c.Check(demand.Items, check.DeepEquals, []launchqueue.DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 2, Demand: 2},
	})

	resp = s.request("GET", "/halyard/v1/dispatch/status", "apitoken", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var status statusView
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &status), check.IsNil)
	c.Check(status.Leader, check.Equals, true)
	c.Check(status.WantsOffers, check.Equals, true)
	c.Check(status.DriverHealthy, check.Equals, true)

	resp = s.request("POST", "/halyard/v1/dispatch/demand", "apitoken", []byte(`{"desired":`))
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	resp = s.request("GET", "/metrics", "apitoken", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(bytes.Contains(resp.Body.Bytes(), []byte("halyard_dispatch_demand_instances")), check.Equals, true)
}

func (s *DispatcherSuite) TestAPIDisabledWithoutToken(c *check.C) {
	s.cfg.ManagementToken = ""
	disp := &Dispatcher{
		Config:       s.cfg,
		Context:      s.ctx,
		Tracker:      s.tracker,
		Elector:      &test.StubElector{},
		Requirements: test.RequirementsMap{},
		NewDriver:    s.disp.NewDriver,
	}
	disp.Start()
	req := httptest.NewRequest("GET", "/_health/ping", nil)
	resp := httptest.NewRecorder()
	disp.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}
