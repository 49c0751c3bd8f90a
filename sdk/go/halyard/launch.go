// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package halyard

// A RunSpecID is the path-like identifier of a workload
// specification, e.g. "/prod/api". The core treats it as an opaque
// key; the workload-lifecycle service owns its content.
type RunSpecID string

// An InstanceID identifies one running (or formerly running) instance
// of a RunSpec.
type InstanceID string

// OperationType distinguishes the two kinds of operation the core
// sends back against an offer.
type OperationType string

const (
	// OpLaunch consumes a subset of the offer's unreserved
	// resources to start one instance.
	OpLaunch OperationType = "launch"
	// OpUnreserve releases a stale reservation. It consumes
	// exactly the reserved resources named in Resources, never a
	// partial amount.
	OpUnreserve OperationType = "unreserve"
)

// A LaunchOperation is a proposed consumption of part of one offer.
// Operations produced by different matchers against the same offer
// never overlap in resources.
type LaunchOperation struct {
	Type       OperationType `json:"type"`
	OfferID    OfferID       `json:"offer_id"`
	RunSpecID  RunSpecID     `json:"run_spec_id,omitempty"`
	InstanceID InstanceID    `json:"instance_id"`
	Resources  ResourceList  `json:"resources"`
}

// A ResourceRequest is a RunSpec's static per-instance resource
// requirement.
type ResourceRequest struct {
	CPUs   float64 `json:"cpus"`
	MemMB  float64 `json:"mem_mb"`
	DiskMB float64 `json:"disk_mb"`
	Ports  int     `json:"ports"`
}

// Empty reports whether the request asks for nothing at all. An empty
// request is treated as unsatisfiable so that a missing requirement
// record can never launch unbounded instances.
func (rr ResourceRequest) Empty() bool {
	return rr.CPUs == 0 && rr.MemMB == 0 && rr.DiskMB == 0 && rr.Ports == 0
}
