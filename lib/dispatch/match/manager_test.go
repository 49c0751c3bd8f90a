// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package match

import (
	"context"

	check "gopkg.in/check.v1"

	"github.com/halyard-dev/halyard/lib/dispatch/test"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// stubSub is a SubMatcher that greedily proposes launches up to its
// fixed demand.
type stubSub struct {
	id     halyard.RunSpecID
	demand int
	req    halyard.ResourceRequest
	calls  int
}

func (s *stubSub) RunSpecID() halyard.RunSpecID         { return s.id }
func (s *stubSub) Demand() int                          { return s.demand }
func (s *stubSub) Requirement() halyard.ResourceRequest { return s.req }
func (s *stubSub) Match(offer halyard.Offer, rem *Remaining) []halyard.LaunchOperation {
	s.calls++
	var ops []halyard.LaunchOperation
	for len(ops) < s.demand {
		consumed, ok := rem.Take(s.req)
		if !ok {
			break
		}
		ops = append(ops, halyard.LaunchOperation{
			Type:      halyard.OpLaunch,
			OfferID:   offer.ID,
			RunSpecID: s.id,
			Resources: consumed,
		})
	}
	return ops
}

var _ = check.Suite(&ManagerSuite{})

type ManagerSuite struct{}

func (s *ManagerSuite) TestSharedRemainingNoDoubleSpend(c *check.C) {
	mgr := NewManager(logger())
	a := &stubSub{id: test.RunSpecID(1), demand: 2, req: halyard.ResourceRequest{CPUs: 1, MemMB: 1024}}
	b := &stubSub{id: test.RunSpecID(2), demand: 2, req: halyard.ResourceRequest{CPUs: 1, MemMB: 1024}}
	mgr.Register(a)
	mgr.Register(b)

	// The offer fits three instances, the combined demand is four:
	// whatever the split, the total must be three.
	ops := mgr.Match(context.Background(), test.Offer("o1", 3, 3072, 0))
	c.Check(ops, check.HasLen, 3)
	var total halyard.ResourceRequest
	for _, op := range ops {
		total.CPUs += op.Resources.Scalar(halyard.ResourceCPUs)
		total.MemMB += op.Resources.Scalar(halyard.ResourceMem)
	}
	c.Check(total.CPUs, check.Equals, 3.0)
	c.Check(total.MemMB, check.Equals, 3072.0)
}

func (s *ManagerSuite) TestRoundRobinAndEarlyStop(c *check.C) {
	mgr := NewManager(logger())
	a := &stubSub{id: test.RunSpecID(1), demand: 1, req: halyard.ResourceRequest{CPUs: 1, MemMB: 512}}
	b := &stubSub{id: test.RunSpecID(2), demand: 1, req: halyard.ResourceRequest{CPUs: 1, MemMB: 512}}
	mgr.Register(a)
	mgr.Register(b)

	// Each offer fits exactly one instance, so the first sub-matcher
	// in the rotation wins it and the loop stops before calling the
	// second.
	ops := mgr.Match(context.Background(), test.Offer("o1", 1, 1024, 0))
	c.Assert(ops, check.HasLen, 1)
	c.Check(ops[0].RunSpecID, check.Equals, a.id)
	c.Check(b.calls, check.Equals, 0)

	ops = mgr.Match(context.Background(), test.Offer("o2", 1, 1024, 0))
	c.Assert(ops, check.HasLen, 1)
	c.Check(ops[0].RunSpecID, check.Equals, b.id)
	c.Check(a.calls, check.Equals, 1)
}

func (s *ManagerSuite) TestRegisterReplacesAndDeregisterRemoves(c *check.C) {
	mgr := NewManager(logger())
	old := &stubSub{id: test.RunSpecID(1), demand: 1, req: halyard.ResourceRequest{CPUs: 1}}
	mgr.Register(old)
	replacement := &stubSub{id: test.RunSpecID(1), demand: 1, req: halyard.ResourceRequest{CPUs: 1, MemMB: 512}}
	mgr.Register(replacement)

	ops := mgr.Match(context.Background(), test.Offer("o1", 4, 4096, 0))
	c.Check(ops, check.HasLen, 1)
	c.Check(old.calls, check.Equals, 0)
	c.Check(replacement.calls, check.Equals, 1)

	mgr.Deregister(test.RunSpecID(1))
	c.Check(mgr.Match(context.Background(), test.Offer("o2", 4, 4096, 0)), check.HasLen, 0)
	c.Check(mgr.WantsOffers(), check.Equals, false)
}

func (s *ManagerSuite) TestWantsOffers(c *check.C) {
	mgr := NewManager(logger())
	c.Check(mgr.WantsOffers(), check.Equals, false)
	sm := &stubSub{id: test.RunSpecID(1), demand: 0, req: halyard.ResourceRequest{CPUs: 1}}
	mgr.Register(sm)
	c.Check(mgr.WantsOffers(), check.Equals, false)
	sm.demand = 2
	c.Check(mgr.WantsOffers(), check.Equals, true)
}

func (s *ManagerSuite) TestCancelledContextStopsCycle(c *check.C) {
	mgr := NewManager(logger())
	sm := &stubSub{id: test.RunSpecID(1), demand: 1, req: halyard.ResourceRequest{CPUs: 1, MemMB: 512}}
	mgr.Register(sm)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Check(mgr.Match(ctx, test.Offer("o1", 4, 4096, 0)), check.HasLen, 0)
	c.Check(sm.calls, check.Equals, 0)
}
