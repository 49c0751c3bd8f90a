// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package match

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Manager presents many per-RunSpec sub-matchers as one composite
// Matcher. Within one offer all sub-matchers draw from a shared
// Remaining view, so no resource unit can be spent twice.
//
// Registration and deregistration are safe while a match cycle is in
// flight: each cycle works on a snapshot of the registry taken at
// cycle start. Sub-matchers are tried round-robin across cycles so
// late-registered RunSpecs are not starved by earlier ones.
type Manager struct {
	logger logrus.FieldLogger

	mtx      sync.Mutex
	matchers []SubMatcher // copy-on-write; snapshot per cycle
	next     int          // round-robin start offset for the next cycle
}

// NewManager returns an empty Manager.
func NewManager(logger logrus.FieldLogger) *Manager {
	return &Manager{logger: logger}
}

// Name implements Matcher.
func (mgr *Manager) Name() string { return "launch" }

// Register adds a sub-matcher. A sub-matcher already registered under
// the same RunSpecID is replaced.
func (mgr *Manager) Register(sm SubMatcher) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	matchers := make([]SubMatcher, 0, len(mgr.matchers)+1)
	for _, m := range mgr.matchers {
		if m.RunSpecID() != sm.RunSpecID() {
			matchers = append(matchers, m)
		}
	}
	mgr.matchers = append(matchers, sm)
}

// Deregister removes the sub-matcher for the given RunSpec, if any.
// An in-flight cycle keeps using its own snapshot.
func (mgr *Manager) Deregister(id halyard.RunSpecID) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	matchers := make([]SubMatcher, 0, len(mgr.matchers))
	for _, m := range mgr.matchers {
		if m.RunSpecID() != id {
			matchers = append(matchers, m)
		}
	}
	mgr.matchers = matchers
}

// WantsOffers reports whether any registered sub-matcher has
// outstanding demand. Demand() is called with the registry lock
// released, so sub-matchers are free to take their own locks there
// even when those locks are held around Register/Deregister calls.
func (mgr *Manager) WantsOffers() bool {
	mgr.mtx.Lock()
	matchers := mgr.matchers
	mgr.mtx.Unlock()
	for _, m := range matchers {
		if m.Demand() > 0 {
			return true
		}
	}
	return false
}

// snapshot returns the current matcher set, rotated by the round-robin
// offset, and advances the offset for the next cycle.
func (mgr *Manager) snapshot() []SubMatcher {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	n := len(mgr.matchers)
	if n == 0 {
		return nil
	}
	start := mgr.next % n
	mgr.next++
	snap := make([]SubMatcher, 0, n)
	snap = append(snap, mgr.matchers[start:]...)
	snap = append(snap, mgr.matchers[:start]...)
	return snap
}

// Match implements Matcher. It runs each sub-matcher in the cycle's
// snapshot against the shared Remaining view, subtracting accepted
// operations before the next sub-matcher runs, and stops early once
// the remainder cannot satisfy any registered requirement.
func (mgr *Manager) Match(ctx context.Context, offer halyard.Offer) []halyard.LaunchOperation {
	snap := mgr.snapshot()
	if len(snap) == 0 {
		return nil
	}
	rem := NewRemaining(offer)
	var ops []halyard.LaunchOperation
	for _, sm := range snap {
		if ctx.Err() != nil {
			break
		}
		if !anyFits(rem, snap) {
			break
		}
		proposed := sm.Match(offer, rem)
		if len(proposed) > 0 {
			mgr.logger.WithFields(logrus.Fields{
				"OfferID":   offer.ID,
				"RunSpecID": sm.RunSpecID(),
				"Launches":  len(proposed),
			}).Debug("sub-matcher proposed operations")
		}
		ops = append(ops, proposed...)
	}
	return ops
}

func anyFits(rem *Remaining, matchers []SubMatcher) bool {
	for _, m := range matchers {
		if m.Demand() > 0 && rem.CanFit(m.Requirement()) {
			return true
		}
	}
	return false
}
