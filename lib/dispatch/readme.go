// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

// A dispatcher comprises a launch queue, an offer matcher manager, a
// reconciliation matcher, a match combinator, a flow controller, a
// status update throttle, and a heartbeat monitor, all scoped to one
// leadership epoch.
// 1. Win the leader election.
// 2. Open a driver connection to the resource manager.
// 3. Reload persisted demand into the launch queue.
// 4. Revive offers whenever the combined wants-offers signal rises.
// 5. Run each incoming offer through the combinator: reconciliation
//    first, then the launch matchers; accept the winner's operations
//    or decline.
// 6. Feed status events through the throttle back into demand.
// 7. Repeat from 4 until defeated, then discard the whole epoch.
//
//
// A driver is one connection to the cluster resource manager. It
// delivers offers, status events, and heartbeats over channels, and
// carries accepts, declines, and the revive/suppress protocol back.
// Drivers register themselves in the Drivers map; the "stub" driver
// fabricates offers in-process so a dispatcher can run end to end
// with no cluster behind it.
//
//
// The launch queue is the sole mutator of demand. Desired counts
// arrive via SetDemand (management API or workload-lifecycle
// collaborator) and are persisted before they are applied, so a new
// leader starts from the same demand the old one saw.
//
//
// Matching is first-win: the combinator tries matchers in priority
// order and the first one to produce operations takes the offer.
// Unused remainder resources come back in a later offer. Within the
// launch matcher manager, per-RunSpec sub-matchers share one
// Remaining view per offer, so no resource unit is spent twice.
//
//
// Reconciliation never does I/O on the match path: the instance
// tracker is polled in the background and the reconciler works from
// the latest snapshot, emitting unreserve operations for reservations
// whose owner is gone.
//
//
// On heartbeat failure the epoch is discarded and a fresh connection
// is dialed without giving up leadership; on repeated dial failures
// the process exits rather than run split-brained.
