// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package match proposes launch operations against resource offers.
//
// A Combinator tries a fixed priority list of Matchers for each
// offer. The Manager aggregates one SubMatcher per workload with
// outstanding demand into a single Matcher, guaranteeing that no two
// sub-matchers spend the same resource unit of one offer. The
// Reconciler reclaims reservations whose owning instance no longer
// exists.
package match

import (
	"context"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Matcher proposes operations against an offer. Returning no
// operations means the matcher declines the offer. Match must respect
// ctx's deadline; a result delivered after the deadline is discarded
// by the caller.
type Matcher interface {
	Name() string
	Match(ctx context.Context, offer halyard.Offer) []halyard.LaunchOperation
}

// A SubMatcher proposes launch operations for a single RunSpec,
// drawing from a Remaining view shared with the other sub-matchers in
// the same cycle. Implemented by launchqueue's per-RunSpec matcher
// and test stubs.
type SubMatcher interface {
	RunSpecID() halyard.RunSpecID
	Demand() int
	Requirement() halyard.ResourceRequest
	Match(offer halyard.Offer, rem *Remaining) []halyard.LaunchOperation
}

// Remaining tracks the unreserved resources of one offer that are
// still unspent in the current match cycle. It is not safe for
// concurrent use; one cycle owns it.
type Remaining struct {
	scalars map[string]float64
	ports   []halyard.Range
}

// NewRemaining returns a Remaining view seeded from the offer's
// unreserved resources.
func NewRemaining(offer halyard.Offer) *Remaining {
	rem := &Remaining{scalars: map[string]float64{}}
	for _, r := range offer.Resources {
		if r.Reserved() {
			continue
		}
		if r.Name == halyard.ResourcePorts {
			rem.ports = append(rem.ports, r.Ranges...)
		} else if len(r.Ranges) == 0 && len(r.Set) == 0 {
			rem.scalars[r.Name] += r.Scalar
		}
	}
	return rem
}

// CanFit reports whether the remaining resources satisfy one instance
// of the given requirement. An empty requirement never fits, so a
// RunSpec with no known requirement cannot be launched.
func (rem *Remaining) CanFit(req halyard.ResourceRequest) bool {
	if req.Empty() {
		return false
	}
	if rem.scalars[halyard.ResourceCPUs] < req.CPUs ||
		rem.scalars[halyard.ResourceMem] < req.MemMB ||
		rem.scalars[halyard.ResourceDisk] < req.DiskMB {
		return false
	}
	if req.Ports > 0 && rem.portCount() < req.Ports {
		return false
	}
	return true
}

// Take subtracts one instance's worth of the requirement and returns
// the consumed resources. It returns ok=false, leaving the view
// unchanged, if the requirement does not fit.
func (rem *Remaining) Take(req halyard.ResourceRequest) (halyard.ResourceList, bool) {
	if !rem.CanFit(req) {
		return nil, false
	}
	var consumed halyard.ResourceList
	for _, sc := range []struct {
		name   string
		amount float64
	}{
		{halyard.ResourceCPUs, req.CPUs},
		{halyard.ResourceMem, req.MemMB},
		{halyard.ResourceDisk, req.DiskMB},
	} {
		if sc.amount == 0 {
			continue
		}
		rem.scalars[sc.name] -= sc.amount
		consumed = append(consumed, halyard.Resource{Name: sc.name, Scalar: sc.amount})
	}
	if req.Ports > 0 {
		consumed = append(consumed, halyard.Resource{
			Name:   halyard.ResourcePorts,
			Ranges: rem.takePorts(req.Ports),
		})
	}
	return consumed, true
}

func (rem *Remaining) portCount() int {
	var n uint64
	for _, rng := range rem.ports {
		n += rng.Size()
	}
	return int(n)
}

// takePorts carves n ports off the front of the remaining ranges.
// Caller must have checked portCount() >= n.
func (rem *Remaining) takePorts(n int) []halyard.Range {
	var taken []halyard.Range
	for n > 0 && len(rem.ports) > 0 {
		rng := rem.ports[0]
		if int(rng.Size()) <= n {
			taken = append(taken, rng)
			n -= int(rng.Size())
			rem.ports = rem.ports[1:]
			continue
		}
		end := rng.Begin + uint64(n) - 1
		taken = append(taken, halyard.Range{Begin: rng.Begin, End: end})
		rem.ports[0].Begin = end + 1
		n = 0
	}
	return taken
}
