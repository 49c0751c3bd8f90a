// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"time"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Driver is one connection to the cluster resource manager.
// Implemented by registered drivers and test stubs. A Driver is
// epoch-scoped: the leadership gate opens a fresh connection per
// election or reconnect and Stops it on teardown.
type Driver interface {
	// Offers delivers resource offers while offers are revived.
	// The channel closes when the connection dies or Stop is
	// called.
	Offers() <-chan halyard.Offer

	// StatusUpdates delivers instance status events. Delivery is
	// at least once; order is preserved per instance only. The
	// channel closes with the connection.
	StatusUpdates() <-chan halyard.StatusEvent

	// Heartbeats delivers connection liveness signals.
	Heartbeats() <-chan time.Time

	// Accept consumes parts of an offer with the given operations.
	Accept(halyard.OfferID, []halyard.LaunchOperation) error

	// Decline returns an unused offer to the resource manager.
	Decline(halyard.OfferID) error

	ReviveOffers() error
	SuppressOffers() error

	// Stop disconnects and closes the event channels.
	Stop()
}

// An InstanceTracker is the canonical record of launched instances,
// maintained outside the scheduling core. Snapshot must be cheap: the
// match path calls it off-cycle and caches the result.
type InstanceTracker interface {
	Snapshot(context.Context) (halyard.TrackerSnapshot, error)
	RecordAccepted(halyard.LaunchOperation)
}

// An Elector reports leadership transitions. The election
// collaborator serializes callbacks: onDefeated never overlaps
// onElected for the same process.
type Elector interface {
	Register(onElected func(), onDefeated func())
}

// A DemandStore persists desired instance counts across leadership
// changes. Implemented by demanddb.Store and test stubs.
type DemandStore interface {
	Load(context.Context) (map[halyard.RunSpecID]int, error)
	Put(ctx context.Context, id halyard.RunSpecID, desired int) error
}
