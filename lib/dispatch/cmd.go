// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/lib/cmd"
	"github.com/halyard-dev/halyard/lib/dispatch/demanddb"
	"github.com/halyard-dev/halyard/lib/dispatch/launchqueue"
	"github.com/halyard-dev/halyard/lib/service"
	"github.com/halyard-dev/halyard/sdk/go/ctxlog"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// Command runs the dispatcher service.
var Command cmd.Handler = service.Command("halyard-dispatcher", newHandler)

// staticRequirements resolves every RunSpec to the configured default
// requirement. Deployments with a workload-lifecycle service replace
// it with a real resolver.
type staticRequirements struct {
	req halyard.ResourceRequest
}

func (s staticRequirements) Requirement(halyard.RunSpecID) (halyard.ResourceRequest, error) {
	return s.req, nil
}

func newHandler(ctx context.Context, cfg *halyard.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)

	newDriver, err := ChooseDriver(cfg)
	if err != nil {
		logger.WithError(err).Fatal("error choosing driver")
	}

	var store DemandStore
	if cfg.DemandDatabaseDSN != "" {
		s, err := demanddb.Open(ctx, logger, cfg.DemandDatabaseDSN)
		if err != nil {
			logger.WithError(err).Fatal("error opening demand database")
		}
		store = s
	}

	reqs, err := launchqueue.NewCache(
		staticRequirements{req: cfg.Dispatch.DefaultRequirement},
		cfg.Dispatch.RequirementCacheSize)
	if err != nil {
		logger.WithError(err).Fatal("error creating requirement cache")
	}

	disp := &Dispatcher{
		Config:       cfg,
		Context:      ctx,
		Registry:     reg,
		Tracker:      NewMemoryTracker(),
		Elector:      StaticElector{},
		Store:        store,
		Requirements: reqs,
		NewDriver: func(ctx context.Context, logger logrus.FieldLogger) (Driver, error) {
			return newDriver(cfg, logger)
		},
	}
	disp.Start()
	return disp
}
