// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launchqueue

import (
	"errors"

	check "gopkg.in/check.v1"

	"github.com/halyard-dev/halyard/lib/dispatch/test"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// countingRequirements counts lookups against an inner table and can
// inject failures.
type countingRequirements struct {
	table test.RequirementsMap
	calls int
	err   error
}

func (r *countingRequirements) Requirement(id halyard.RunSpecID) (halyard.ResourceRequest, error) {
	r.calls++
	if r.err != nil {
		return halyard.ResourceRequest{}, r.err
	}
	return r.table.Requirement(id)
}

var _ = check.Suite(&CacheSuite{})

type CacheSuite struct{}

func (s *CacheSuite) TestLookupCached(c *check.C) {
	inner := &countingRequirements{table: test.RequirementsMap{
		test.RunSpecID(1): {CPUs: 1, MemMB: 1024},
	}}
	cache, err := NewCache(inner, 4)
	c.Assert(err, check.IsNil)

	for i := 0; i < 3; i++ {
		req, err := cache.Requirement(test.RunSpecID(1))
		c.Check(err, check.IsNil)
		c.Check(req, check.Equals, halyard.ResourceRequest{CPUs: 1, MemMB: 1024})
	}
	c.Check(inner.calls, check.Equals, 1)
}

func (s *CacheSuite) TestErrorsNotCached(c *check.C) {
	inner := &countingRequirements{
		table: test.RequirementsMap{test.RunSpecID(1): {CPUs: 1}},
		err:   errors.New("lifecycle service unavailable"),
	}
	cache, err := NewCache(inner, 4)
	c.Assert(err, check.IsNil)

	_, err = cache.Requirement(test.RunSpecID(1))
	c.Check(err, check.NotNil)
	c.Check(inner.calls, check.Equals, 1)

	// The next call retries and succeeds once the resolver recovers.
	inner.err = nil
	req, err := cache.Requirement(test.RunSpecID(1))
	c.Check(err, check.IsNil)
	c.Check(req, check.Equals, halyard.ResourceRequest{CPUs: 1})
	c.Check(inner.calls, check.Equals, 2)
}
