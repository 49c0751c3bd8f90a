// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launchqueue

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"

	"github.com/halyard-dev/halyard/lib/dispatch/match"
	"github.com/halyard-dev/halyard/lib/dispatch/test"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

func logger() logrus.FieldLogger {
	logger := logrus.StandardLogger()
	if os.Getenv("HALYARD_DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// stubRegistry records sub-matcher (de)registrations.
type stubRegistry struct {
	mtx        sync.Mutex
	registered map[halyard.RunSpecID]match.SubMatcher
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{registered: map[halyard.RunSpecID]match.SubMatcher{}}
}

func (r *stubRegistry) Register(sm match.SubMatcher) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registered[sm.RunSpecID()] = sm
}

func (r *stubRegistry) Deregister(id halyard.RunSpecID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.registered, id)
}

func (r *stubRegistry) matcher(id halyard.RunSpecID) match.SubMatcher {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.registered[id]
}

var _ = check.Suite(&QueueSuite{})

type QueueSuite struct {
	registry *stubRegistry
	queue    *Queue
}

func (s *QueueSuite) SetUpTest(c *check.C) {
	s.registry = newStubRegistry()
	s.queue = NewQueue(logger(), nil, s.registry, test.RequirementsMap{
		test.RunSpecID(1): {CPUs: 1, MemMB: 1024},
		test.RunSpecID(2): {CPUs: 0.5, MemMB: 512},
	})
}

func (s *QueueSuite) TestDemandLifecycle(c *check.C) {
	id := test.RunSpecID(1)
	s.queue.SetDemand(id, 3)
	sm := s.registry.matcher(id)
	c.Assert(sm, check.NotNil)
	c.Check(sm.Demand(), check.Equals, 3)
	c.Check(sm.Requirement(), check.Equals, halyard.ResourceRequest{CPUs: 1, MemMB: 1024})
	c.Check(s.queue.WantsOffers(), check.Equals, true)

	s.queue.LaunchAccepted(id, 3)
	c.Check(s.registry.matcher(id), check.IsNil)
	c.Check(s.queue.WantsOffers(), check.Equals, false)

	// A termination while still desired re-creates demand.
	s.queue.InstanceTerminated(id)
	c.Check(s.registry.matcher(id), check.NotNil)
	c.Check(s.queue.Pending(), check.DeepEquals, []DemandSnapshot{
		{RunSpecID: id, Desired: 3, Demand: 1},
	})

	s.queue.SetDemand(id, 0)
	c.Check(s.registry.matcher(id), check.IsNil)
	c.Check(s.queue.Pending(), check.HasLen, 0)

	// The record is gone: lifecycle reports are no-ops now.
	s.queue.InstanceTerminated(id)
	s.queue.LaunchAccepted(id, 1)
	c.Check(s.queue.WantsOffers(), check.Equals, false)
}

func (s *QueueSuite) TestScaleMovesDemandByDelta(c *check.C) {
	id := test.RunSpecID(1)
	s.queue.SetDemand(id, 3)
	s.queue.LaunchAccepted(id, 2)
	demand, _ := s.queue.demandOf(id)
	c.Check(demand, check.Equals, 1)

	// Scaling up adds the difference; the two placed instances stay
	// placed.
	s.queue.SetDemand(id, 5)
	demand, _ = s.queue.demandOf(id)
	c.Check(demand, check.Equals, 3)

	// Scaling down clamps at zero rather than going negative.
	s.queue.SetDemand(id, 2)
	demand, _ = s.queue.demandOf(id)
	c.Check(demand, check.Equals, 0)
	c.Check(s.registry.matcher(id), check.IsNil)
}

func (s *QueueSuite) TestLaunchAcceptedClampsAtZero(c *check.C) {
	id := test.RunSpecID(1)
	s.queue.SetDemand(id, 1)
	s.queue.LaunchAccepted(id, 4)
	demand, _ := s.queue.demandOf(id)
	c.Check(demand, check.Equals, 0)
	c.Check(s.registry.matcher(id), check.IsNil)
}

func (s *QueueSuite) TestTerminationsCappedAtDesired(c *check.C) {
	id := test.RunSpecID(1)
	s.queue.SetDemand(id, 2)
	s.queue.LaunchAccepted(id, 2)
	for i := 0; i < 5; i++ {
		s.queue.InstanceTerminated(id)
	}
	demand, _ := s.queue.demandOf(id)
	c.Check(demand, check.Equals, 2)
}

func (s *QueueSuite) TestPendingSorted(c *check.C) {
	s.queue.SetDemand(test.RunSpecID(2), 1)
	s.queue.SetDemand(test.RunSpecID(1), 2)
	c.Check(s.queue.Pending(), check.DeepEquals, []DemandSnapshot{
		{RunSpecID: test.RunSpecID(1), Desired: 2, Demand: 2},
		{RunSpecID: test.RunSpecID(2), Desired: 1, Demand: 1},
	})
}

func (s *QueueSuite) TestSubscribe(c *check.C) {
	ch := s.queue.Subscribe()
	defer s.queue.Unsubscribe(ch)
	select {
	case <-ch:
		c.Fatal("notified before any change")
	default:
	}
	s.queue.SetDemand(test.RunSpecID(1), 1)
	select {
	case <-ch:
	default:
		c.Fatal("not notified after demand change")
	}
}

func (s *QueueSuite) TestMatcherBinPacks(c *check.C) {
	id := test.RunSpecID(1)
	s.queue.SetDemand(id, 5)
	sm := s.registry.matcher(id)
	c.Assert(sm, check.NotNil)

	// The offer fits three of the five wanted instances.
	offer := test.Offer("o1", 3, 8192, 0)
	ops := sm.Match(offer, match.NewRemaining(offer))
	c.Assert(ops, check.HasLen, 3)
	seen := map[halyard.InstanceID]bool{}
	for _, op := range ops {
		c.Check(op.Type, check.Equals, halyard.OpLaunch)
		c.Check(op.OfferID, check.Equals, offer.ID)
		c.Check(op.RunSpecID, check.Equals, id)
		c.Check(strings.HasPrefix(string(op.InstanceID), "test.app-001."), check.Equals, true)
		c.Check(seen[op.InstanceID], check.Equals, false)
		seen[op.InstanceID] = true
		c.Check(op.Resources.Scalar(halyard.ResourceCPUs), check.Equals, 1.0)
	}
}

func (s *QueueSuite) TestUnknownRequirementNeverLaunches(c *check.C) {
	id := test.RunSpecID(99) // not in the requirements table
	s.queue.SetDemand(id, 2)
	sm := s.registry.matcher(id)
	c.Assert(sm, check.NotNil)
	c.Check(sm.Requirement().Empty(), check.Equals, true)

	offer := test.Offer("o1", 16, 65536, 0)
	c.Check(sm.Match(offer, match.NewRemaining(offer)), check.HasLen, 0)
}

func (s *QueueSuite) TestManagerDemandSignalDuringFlaps(c *check.C) {
	// The real composite matcher: SetDemand calls
	// Register/Deregister under the queue lock while WantsOffers
	// calls Demand() from another goroutine.
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	mgr := match.NewManager(quiet)
	q := NewQueue(quiet, nil, mgr, test.RequirementsMap{
		test.RunSpecID(1): {CPUs: 1, MemMB: 1024},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50000; i++ {
				q.SetDemand(test.RunSpecID(1), i%2)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50000; i++ {
				mgr.WantsOffers()
			}
		}()
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.Fatal("WantsOffers wedged against concurrent demand changes")
	}

	q.SetDemand(test.RunSpecID(1), 1)
	c.Check(mgr.WantsOffers(), check.Equals, true)
	q.SetDemand(test.RunSpecID(1), 0)
	c.Check(mgr.WantsOffers(), check.Equals, false)
}
