// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launchqueue

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/halyard-dev/halyard/lib/dispatch/match"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A runSpecMatcher proposes launch operations for one RunSpec. It
// reads demand and requirement from its owning Queue at match time,
// so a matcher captured in an in-flight cycle snapshot sees current
// demand even after registry changes.
type runSpecMatcher struct {
	queue *Queue
	id    halyard.RunSpecID
}

// RunSpecID implements match.SubMatcher.
func (m *runSpecMatcher) RunSpecID() halyard.RunSpecID { return m.id }

// Demand implements match.SubMatcher.
func (m *runSpecMatcher) Demand() int {
	demand, _ := m.queue.demandOf(m.id)
	return demand
}

// Requirement implements match.SubMatcher.
func (m *runSpecMatcher) Requirement() halyard.ResourceRequest {
	_, req := m.queue.demandOf(m.id)
	return req
}

// Match implements match.SubMatcher: a greedy bin-pack of the
// RunSpec's requirement against the offer's remaining resources,
// proposing up to min(demand, what fits) launches.
func (m *runSpecMatcher) Match(offer halyard.Offer, rem *match.Remaining) []halyard.LaunchOperation {
	demand, req := m.queue.demandOf(m.id)
	var ops []halyard.LaunchOperation
	for i := 0; i < demand; i++ {
		consumed, ok := rem.Take(req)
		if !ok {
			break
		}
		ops = append(ops, halyard.LaunchOperation{
			Type:       halyard.OpLaunch,
			OfferID:    offer.ID,
			RunSpecID:  m.id,
			InstanceID: newInstanceID(m.id),
			Resources:  consumed,
		})
	}
	return ops
}

// newInstanceID derives a fresh instance ID from the RunSpec path,
// e.g. "/prod/api" -> "prod.api.4a1f9c02".
func newInstanceID(id halyard.RunSpecID) halyard.InstanceID {
	base := strings.ReplaceAll(strings.TrimPrefix(string(id), "/"), "/", ".")
	return halyard.InstanceID(fmt.Sprintf("%s.%08x", base, rand.Uint32()))
}
