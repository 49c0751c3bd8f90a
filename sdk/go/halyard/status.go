// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package halyard

import "time"

// InstanceState is the observed state of one instance as reported by
// the resource manager.
type InstanceState string

const (
	InstanceStarting InstanceState = "Starting"
	InstanceRunning  InstanceState = "Running"
	InstanceFinished InstanceState = "Finished"
	InstanceFailed   InstanceState = "Failed"
	InstanceLost     InstanceState = "Lost"
)

// Terminal reports whether the state is final: a terminal instance
// never produces further status events and, if its RunSpec is still
// desired, leaves demand behind.
func (s InstanceState) Terminal() bool {
	switch s {
	case InstanceFinished, InstanceFailed, InstanceLost:
		return true
	default:
		return false
	}
}

// A StatusEvent reports one instance's observed state. Events for
// different instances arrive in arbitrary relative order; events for
// one instance preserve the source's own order.
type StatusEvent struct {
	InstanceID InstanceID    `json:"instance_id"`
	RunSpecID  RunSpecID     `json:"run_spec_id"`
	State      InstanceState `json:"state"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// A TrackerSnapshot is the instance tracker's view of the cluster at
// one point in time. Live maps each tracked instance to its RunSpec.
// Decommissioned lists instances that have left the live set but may
// still have reservations attached to future offers; it drives the
// reconciliation matcher's pending-work signal.
type TrackerSnapshot struct {
	Taken          time.Time                `json:"taken"`
	Live           map[InstanceID]RunSpecID `json:"live"`
	Decommissioned []InstanceID             `json:"decommissioned,omitempty"`
}

// LiveInstance reports whether the entity named by a reservation tag
// is a tracked, live instance.
func (ts TrackerSnapshot) LiveInstance(id InstanceID) bool {
	_, ok := ts.Live[id]
	return ok
}
