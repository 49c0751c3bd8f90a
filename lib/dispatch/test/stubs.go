// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"
	"time"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A StubTracker implements dispatch.InstanceTracker in memory.
// RecordAccepted keeps the live set consistent with accepted
// operations: launches join the live set, unreserves clear the
// matching decommissioned entry.
type StubTracker struct {
	mtx            sync.Mutex
	live           map[halyard.InstanceID]halyard.RunSpecID
	decommissioned map[halyard.InstanceID]bool
	recorded       []halyard.LaunchOperation

	// SnapshotError, if set, is returned by Snapshot.
	SnapshotError error
}

// NewStubTracker returns an empty tracker.
func NewStubTracker() *StubTracker {
	return &StubTracker{
		live:           map[halyard.InstanceID]halyard.RunSpecID{},
		decommissioned: map[halyard.InstanceID]bool{},
	}
}

// AddLive registers a live instance.
func (tr *StubTracker) AddLive(id halyard.InstanceID, spec halyard.RunSpecID) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.live[id] = spec
}

// Decommission moves an instance out of the live set, leaving a
// decommissioned marker for the reconciler's pending-work signal.
func (tr *StubTracker) Decommission(id halyard.InstanceID) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	delete(tr.live, id)
	tr.decommissioned[id] = true
}

// Snapshot implements dispatch.InstanceTracker.
func (tr *StubTracker) Snapshot(ctx context.Context) (halyard.TrackerSnapshot, error) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	if tr.SnapshotError != nil {
		return halyard.TrackerSnapshot{}, tr.SnapshotError
	}
	snap := halyard.TrackerSnapshot{
		Taken: time.Now(),
		Live:  map[halyard.InstanceID]halyard.RunSpecID{},
	}
	for id, spec := range tr.live {
		snap.Live[id] = spec
	}
	for id := range tr.decommissioned {
		snap.Decommissioned = append(snap.Decommissioned, id)
	}
	return snap, nil
}

// RecordAccepted implements dispatch.InstanceTracker.
func (tr *StubTracker) RecordAccepted(op halyard.LaunchOperation) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.recorded = append(tr.recorded, op)
	switch op.Type {
	case halyard.OpLaunch:
		tr.live[op.InstanceID] = op.RunSpecID
	case halyard.OpUnreserve:
		delete(tr.decommissioned, op.InstanceID)
	}
}

// Recorded returns all operations recorded to date.
func (tr *StubTracker) Recorded() []halyard.LaunchOperation {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return append([]halyard.LaunchOperation(nil), tr.recorded...)
}

// A StubElector implements dispatch.Elector: tests trigger Elect and
// Defeat explicitly. Callbacks run synchronously on the caller's
// goroutine, matching the election collaborator's serialization
// guarantee.
type StubElector struct {
	mtx        sync.Mutex
	onElected  func()
	onDefeated func()
}

// Register implements dispatch.Elector.
func (el *StubElector) Register(onElected, onDefeated func()) {
	el.mtx.Lock()
	defer el.mtx.Unlock()
	el.onElected = onElected
	el.onDefeated = onDefeated
}

// Elect makes the registered process leader.
func (el *StubElector) Elect() {
	el.mtx.Lock()
	cb := el.onElected
	el.mtx.Unlock()
	if cb != nil {
		cb()
	}
}

// Defeat revokes leadership.
func (el *StubElector) Defeat() {
	el.mtx.Lock()
	cb := el.onDefeated
	el.mtx.Unlock()
	if cb != nil {
		cb()
	}
}

// A StubDemandStore implements dispatch.DemandStore in memory.
type StubDemandStore struct {
	mtx     sync.Mutex
	desired map[halyard.RunSpecID]int

	// PutError and LoadError, if set, are returned by the
	// corresponding calls.
	PutError  error
	LoadError error
}

// NewStubDemandStore returns a store seeded with the given desired
// counts.
func NewStubDemandStore(desired map[halyard.RunSpecID]int) *StubDemandStore {
	s := &StubDemandStore{desired: map[halyard.RunSpecID]int{}}
	for id, n := range desired {
		s.desired[id] = n
	}
	return s
}

// Load implements dispatch.DemandStore.
func (s *StubDemandStore) Load(ctx context.Context) (map[halyard.RunSpecID]int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.LoadError != nil {
		return nil, s.LoadError
	}
	desired := map[halyard.RunSpecID]int{}
	for id, n := range s.desired {
		desired[id] = n
	}
	return desired, nil
}

// Put implements dispatch.DemandStore.
func (s *StubDemandStore) Put(ctx context.Context, id halyard.RunSpecID, desired int) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.PutError != nil {
		return s.PutError
	}
	if desired <= 0 {
		delete(s.desired, id)
	} else {
		s.desired[id] = desired
	}
	return nil
}

// A RequirementsMap satisfies launchqueue.Requirements with a fixed
// table. RunSpecs missing from the table resolve to an empty (never
// matchable) requirement with no error.
type RequirementsMap map[halyard.RunSpecID]halyard.ResourceRequest

// Requirement implements launchqueue.Requirements.
func (m RequirementsMap) Requirement(id halyard.RunSpecID) (halyard.ResourceRequest, error) {
	return m[id], nil
}
