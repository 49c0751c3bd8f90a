// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package match

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Reconciler reclaims resources whose reservation tag names an
// entity that is no longer a tracked, live instance. It never does
// I/O during a match cycle: it works from the last instance-tracker
// snapshot installed with UpdateSnapshot.
type Reconciler struct {
	logger logrus.FieldLogger

	mtx  sync.Mutex
	snap halyard.TrackerSnapshot

	mUnreserved prometheus.Counter
}

// NewReconciler returns a Reconciler with an empty snapshot. No
// reservation is considered stale until the first UpdateSnapshot;
// an empty tracker view must not trigger mass unreservation during
// startup.
func NewReconciler(logger logrus.FieldLogger, reg *prometheus.Registry) *Reconciler {
	rec := &Reconciler{logger: logger}
	rec.mUnreserved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halyard",
		Subsystem: "dispatch",
		Name:      "reservations_reclaimed_total",
		Help:      "Number of stale reservations reclaimed by unreserve operations.",
	})
	if reg != nil {
		reg.MustRegister(rec.mUnreserved)
	}
	return rec
}

// Name implements Matcher.
func (rec *Reconciler) Name() string { return "reconcile" }

// UpdateSnapshot installs a fresh instance-tracker snapshot.
func (rec *Reconciler) UpdateSnapshot(snap halyard.TrackerSnapshot) {
	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	rec.snap = snap
}

// PendingWork reports whether the tracker knows of decommissioned
// instances whose reservations may still be attached to future
// offers. It feeds the combined WantsOffers signal.
func (rec *Reconciler) PendingWork() bool {
	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	return len(rec.snap.Decommissioned) > 0
}

// Match implements Matcher. For every reservation in the offer whose
// entity is not a live instance, it emits one unreserve operation
// consuming exactly that entity's reserved resources. With no stale
// reservations it declines, yielding to the next matcher.
func (rec *Reconciler) Match(ctx context.Context, offer halyard.Offer) []halyard.LaunchOperation {
	rec.mtx.Lock()
	snap := rec.snap
	rec.mtx.Unlock()
	if snap.Taken.IsZero() {
		// No tracker data yet; nothing is provably stale.
		return nil
	}

	stale := map[halyard.InstanceID]halyard.ResourceList{}
	for _, res := range offer.Resources {
		if !res.Reserved() {
			continue
		}
		entity := halyard.InstanceID(res.ReservedFor)
		if snap.LiveInstance(entity) {
			continue
		}
		stale[entity] = append(stale[entity], res)
	}
	if len(stale) == 0 {
		return nil
	}

	var ops []halyard.LaunchOperation
	for entity, resources := range stale {
		rec.logger.WithFields(logrus.Fields{
			"OfferID":    offer.ID,
			"InstanceID": entity,
			"Resources":  len(resources),
		}).Info("reclaiming stale reservation")
		ops = append(ops, halyard.LaunchOperation{
			Type:       halyard.OpUnreserve,
			OfferID:    offer.ID,
			InstanceID: entity,
			Resources:  resources,
		})
		rec.mUnreserved.Inc()
	}
	return ops
}
