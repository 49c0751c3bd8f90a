// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A StaticElector makes the registering process leader immediately
// and forever. It suits single-node deployments and the stub driver;
// replicated control planes wire in a real election collaborator
// instead.
type StaticElector struct{}

// Register implements Elector.
func (StaticElector) Register(onElected, onDefeated func()) {
	onElected()
}

// A memoryTracker is an in-process InstanceTracker for deployments
// with no external tracker: accepted launches join the live set and
// nothing ever leaves it except via unreserve operations.
type memoryTracker struct {
	mtx  sync.Mutex
	live map[halyard.InstanceID]halyard.RunSpecID
}

// NewMemoryTracker returns an empty in-process tracker.
func NewMemoryTracker() InstanceTracker {
	return &memoryTracker{live: map[halyard.InstanceID]halyard.RunSpecID{}}
}

// Snapshot implements InstanceTracker.
func (tr *memoryTracker) Snapshot(ctx context.Context) (halyard.TrackerSnapshot, error) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	snap := halyard.TrackerSnapshot{
		Taken: time.Now(),
		Live:  make(map[halyard.InstanceID]halyard.RunSpecID, len(tr.live)),
	}
	for id, spec := range tr.live {
		snap.Live[id] = spec
	}
	return snap, nil
}

// RecordAccepted implements InstanceTracker.
func (tr *memoryTracker) RecordAccepted(op halyard.LaunchOperation) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	if op.Type == halyard.OpLaunch {
		tr.live[op.InstanceID] = op.RunSpecID
	}
}
