// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package halyard

// An OfferID identifies one resource offer. Offers are single-use:
// each ID is either accepted (possibly partially) or declined exactly
// once.
type OfferID string

// An AgentID identifies the cluster node whose resources an offer
// advertises.
type AgentID string

// A Range is an inclusive interval of integers, used for port
// resources.
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Size returns the number of integers covered by the range.
func (r Range) Size() uint64 {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin + 1
}

// Well-known resource names. The resource manager may advertise
// additional custom names; the core passes them through untouched.
const (
	ResourceCPUs  = "cpus"
	ResourceMem   = "mem"
	ResourceDisk  = "disk"
	ResourcePorts = "ports"
)

// A Resource is one typed quantity within an offer: a scalar (cpus,
// mem, disk), a set of ranges (ports), or a set of strings (custom).
// Exactly one of Scalar, Ranges, Set is meaningful for a given Name.
//
// ReservedFor carries the "reserved-for:<entity>" tag: a non-empty
// value means the resource is reserved for the named entity and is
// invisible to normal placement. Only the reconciliation path may
// consume it.
type Resource struct {
	Name        string   `json:"name"`
	Scalar      float64  `json:"scalar,omitempty"`
	Ranges      []Range  `json:"ranges,omitempty"`
	Set         []string `json:"set,omitempty"`
	ReservedFor string   `json:"reserved_for,omitempty"`
}

// Reserved reports whether the resource carries a reservation tag.
func (r Resource) Reserved() bool { return r.ReservedFor != "" }

// A ResourceList is the resource content of an offer or of a launch
// operation.
type ResourceList []Resource

// Scalar returns the total unreserved scalar quantity with the given
// name.
func (l ResourceList) Scalar(name string) float64 {
	var total float64
	for _, r := range l {
		if r.Name == name && !r.Reserved() {
			total += r.Scalar
		}
	}
	return total
}

// Ports returns all unreserved port ranges.
func (l ResourceList) Ports() []Range {
	var ranges []Range
	for _, r := range l {
		if r.Name == ResourcePorts && !r.Reserved() {
			ranges = append(ranges, r.Ranges...)
		}
	}
	return ranges
}

// PortCount returns the number of unreserved ports.
func (l ResourceList) PortCount() int {
	var n uint64
	for _, rng := range l.Ports() {
		n += rng.Size()
	}
	return int(n)
}

// An Offer is a perishable bundle of resources advertised by the
// resource manager. Attributes include fault-domain placement
// ("region", "zone") and arbitrary agent properties.
type Offer struct {
	ID         OfferID           `json:"id"`
	AgentID    AgentID           `json:"agent_id"`
	Resources  ResourceList      `json:"resources"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attribute names the resource manager is expected to set on every
// offer.
const (
	AttrRegion = "region"
	AttrZone   = "zone"
)
