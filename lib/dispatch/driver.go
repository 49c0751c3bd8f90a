// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A DriverConstructor opens one connection to the resource manager.
// Called once per epoch or reconnect.
type DriverConstructor func(cfg *halyard.Config, logger logrus.FieldLogger) (Driver, error)

// Drivers is the registry of resource-manager drivers, keyed by the
// Driver config entry. Deployments add entries before calling
// Dispatcher.Start.
var Drivers = map[string]DriverConstructor{
	"stub": newDevDriver,
}

// ChooseDriver resolves the configured driver name.
func ChooseDriver(cfg *halyard.Config) (DriverConstructor, error) {
	newDriver, ok := Drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return newDriver, nil
}

// devOfferInterval is how often the dev driver fabricates an offer
// while revived.
const devOfferInterval = time.Second

// devDriver is the built-in "stub" driver: an in-memory resource
// manager that fabricates uniform offers while revived and heartbeats
// steadily. It lets a dispatcher run end to end with no cluster
// behind it.
type devDriver struct {
	logger logrus.FieldLogger

	offers   chan halyard.Offer
	statuses chan halyard.StatusEvent
	beats    chan time.Time

	mtx      sync.Mutex
	revived  bool
	seq      int
	stop     chan struct{}
	stopOnce sync.Once
}

func newDevDriver(cfg *halyard.Config, logger logrus.FieldLogger) (Driver, error) {
	drv := &devDriver{
		logger:   logger,
		offers:   make(chan halyard.Offer),
		statuses: make(chan halyard.StatusEvent),
		beats:    make(chan time.Time),
		stop:     make(chan struct{}),
	}
	go drv.run(cfg.Dispatch.HeartbeatInterval.Duration())
	return drv, nil
}

func (drv *devDriver) run(beatInterval time.Duration) {
	offerTick := time.NewTicker(devOfferInterval)
	defer offerTick.Stop()
	beatTick := time.NewTicker(beatInterval / 2)
	defer beatTick.Stop()
	for {
		select {
		case <-drv.stop:
			close(drv.offers)
			close(drv.statuses)
			close(drv.beats)
			return
		case t := <-beatTick.C:
			select {
			case drv.beats <- t:
			default:
			}
		case <-offerTick.C:
			drv.mtx.Lock()
			revived := drv.revived
			drv.seq++
			seq := drv.seq
			drv.mtx.Unlock()
			if !revived {
				continue
			}
			offer := halyard.Offer{
				ID:      halyard.OfferID(fmt.Sprintf("dev-offer-%d", seq)),
				AgentID: "dev-agent-1",
				Resources: halyard.ResourceList{
					{Name: halyard.ResourceCPUs, Scalar: 4},
					{Name: halyard.ResourceMem, Scalar: 8192},
					{Name: halyard.ResourceDisk, Scalar: 16384},
					{Name: halyard.ResourcePorts, Ranges: []halyard.Range{{Begin: 31000, End: 31999}}},
				},
				Attributes: map[string]string{
					halyard.AttrRegion: "dev",
					halyard.AttrZone:   "dev-a",
				},
			}
			select {
			case drv.offers <- offer:
			case <-drv.stop:
			}
		}
	}
}

func (drv *devDriver) Offers() <-chan halyard.Offer              { return drv.offers }
func (drv *devDriver) StatusUpdates() <-chan halyard.StatusEvent { return drv.statuses }
func (drv *devDriver) Heartbeats() <-chan time.Time              { return drv.beats }

func (drv *devDriver) Accept(id halyard.OfferID, ops []halyard.LaunchOperation) error {
	drv.logger.WithFields(logrus.Fields{
		"OfferID":    id,
		"Operations": len(ops),
	}).Info("dev driver: offer accepted")
	return nil
}

func (drv *devDriver) Decline(id halyard.OfferID) error { return nil }

func (drv *devDriver) ReviveOffers() error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	drv.revived = true
	return nil
}

func (drv *devDriver) SuppressOffers() error {
	drv.mtx.Lock()
	defer drv.mtx.Unlock()
	drv.revived = false
	return nil
}

func (drv *devDriver) Stop() {
	drv.stopOnce.Do(func() { close(drv.stop) })
}
