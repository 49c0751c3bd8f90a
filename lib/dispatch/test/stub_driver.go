// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides in-memory stand-ins for the dispatcher's
// external collaborators: resource-manager driver, instance tracker,
// elector, and demand store.
package test

import (
	"sync"
	"time"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// An AcceptCall records one Accept call to the stub driver.
type AcceptCall struct {
	OfferID    halyard.OfferID
	Operations []halyard.LaunchOperation
}

// A StubDriver implements dispatch.Driver in memory. Tests push
// offers, status events, and heartbeats; the stub records every
// Accept/Decline/Revive/Suppress call.
type StubDriver struct {
	offers   chan halyard.Offer
	statuses chan halyard.StatusEvent
	beats    chan time.Time

	mtx        sync.Mutex
	accepts    []AcceptCall
	declines   []halyard.OfferID
	revives    int
	suppresses int

	// AcceptError and DeclineError, if set, are returned by the
	// corresponding calls.
	AcceptError  error
	DeclineError error

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStubDriver returns a connected StubDriver.
func NewStubDriver() *StubDriver {
	return &StubDriver{
		offers:   make(chan halyard.Offer),
		statuses: make(chan halyard.StatusEvent),
		beats:    make(chan time.Time),
		stop:     make(chan struct{}),
	}
}

// SendOffer delivers an offer, blocking until the dispatcher consumes
// it or the driver stops.
func (drv *StubDriver) SendOffer(offer halyard.Offer) {
	// Stop closes drv.offers; a send racing the close must return,
	// not panic.
	defer func() { recover() }()
	select {
	case drv.offers <- offer:
	case <-drv.stop:
	}
}

// SendStatus delivers a status event.
func (drv *StubDriver) SendStatus(ev halyard.StatusEvent) {
	defer func() { recover() }()
	select {
	case drv.statuses <- ev:
	case <-drv.stop:
	}
}

// SendHeartbeat delivers a heartbeat.
func (drv *StubDriver) SendHeartbeat(t time.Time) {
	defer func() { recover() }()
	select {
	case drv.beats <- t:
	case <-drv.stop:
	}
}

func (drv *StubDriver) Offers() <-chan halyard.Offer              { return drv.offers }
func (drv *StubDriver) StatusUpdates() <-chan halyard.StatusEvent { return drv.statuses }
func (drv *StubDriver) Heartbeats() <-chan time.Time              { return drv.beats }

func (drv *StubDriver) Accept(id halyard.OfferID, ops []halyard.LaunchOperation) error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	if drv.AcceptError != nil {
		return drv.AcceptError
	}
	drv.accepts = append(drv.accepts, AcceptCall{OfferID: id, Operations: ops})
	return nil
}

func (drv *StubDriver) Decline(id halyard.OfferID) error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	if drv.DeclineError != nil {
		return drv.DeclineError
	}
	drv.declines = append(drv.declines, id)
	return nil
}

func (drv *StubDriver) ReviveOffers() error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	drv.revives++
	return nil
}

func (drv *StubDriver) SuppressOffers() error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	drv.suppresses++
	return nil
}

// Stop closes the event channels. Safe to call more than once.
func (drv *StubDriver) Stop() {
	drv.stopOnce.Do(func() {
		close(drv.stop)
		close(drv.offers)
		close(drv.statuses)
		close(drv.beats)
	})
}

// Accepts returns all Accept calls to date.
func (drv *StubDriver) Accepts() []AcceptCall {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	return append([]AcceptCall(nil), drv.accepts...)
}

// Declines returns all declined offer IDs to date.
func (drv *StubDriver) Declines() []halyard.OfferID {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	return append([]halyard.OfferID(nil), drv.declines...)
}

// Revives returns the number of ReviveOffers calls to date.
func (drv *StubDriver) Revives() int {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	return drv.revives
}

// Suppresses returns the number of SuppressOffers calls to date.
func (drv *StubDriver) Suppresses() int {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	return drv.suppresses
}
