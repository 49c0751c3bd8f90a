// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launchqueue

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Cache wraps a Requirements resolver with a bounded LRU, so the
// workload-lifecycle service is consulted once per RunSpec rather
// than on every demand change. Requirements are static per RunSpec;
// a changed requirement arrives under a new RunSpec version path.
type Cache struct {
	inner Requirements
	cache *lru.Cache
}

// NewCache returns a caching resolver holding up to size entries.
func NewCache(inner Requirements, size int) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner, cache: cache}, nil
}

// Requirement implements Requirements. Lookup errors are returned
// uncached so the next call retries.
func (c *Cache) Requirement(id halyard.RunSpecID) (halyard.ResourceRequest, error) {
	if req, ok := c.cache.Get(id); ok {
		return req.(halyard.ResourceRequest), nil
	}
	req, err := c.inner.Requirement(id)
	if err != nil {
		return halyard.ResourceRequest{}, err
	}
	c.cache.Add(id, req)
	return req, nil
}
