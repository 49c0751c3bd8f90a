// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// RunSpecID returns a deterministic RunSpec path for test workload i.
func RunSpecID(i int) halyard.RunSpecID {
	return halyard.RunSpecID(fmt.Sprintf("/test/app-%03d", i))
}

// InstanceID returns a deterministic instance ID for test instance i.
func InstanceID(i int) halyard.InstanceID {
	return halyard.InstanceID(fmt.Sprintf("test.app.%08d", i))
}

// Offer returns an offer with the given unreserved scalar resources
// and a 100-port range.
func Offer(id string, cpus, memMB, diskMB float64) halyard.Offer {
	return halyard.Offer{
		ID:      halyard.OfferID(id),
		AgentID: "agent-1",
		Resources: halyard.ResourceList{
			{Name: halyard.ResourceCPUs, Scalar: cpus},
			{Name: halyard.ResourceMem, Scalar: memMB},
			{Name: halyard.ResourceDisk, Scalar: diskMB},
			{Name: halyard.ResourcePorts, Ranges: []halyard.Range{{Begin: 31000, End: 31099}}},
		},
		Attributes: map[string]string{
			halyard.AttrRegion: "test",
			halyard.AttrZone:   "test-a",
		},
	}
}

// ReservedCPU returns a cpu resource reserved for the given entity.
func ReservedCPU(entity halyard.InstanceID, cpus float64) halyard.Resource {
	return halyard.Resource{
		Name:        halyard.ResourceCPUs,
		Scalar:      cpus,
		ReservedFor: string(entity),
	}
}
