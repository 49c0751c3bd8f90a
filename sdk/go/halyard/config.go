// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package halyard

// Config is the dispatcher's site configuration, normally loaded from
// a YAML file by lib/config.
type Config struct {
	// Address the management API listens on, e.g. ":9435".
	Listen string

	// Literal bearer token required by the management API. The
	// API is disabled when empty.
	ManagementToken string

	LogLevel  string // logrus level name, default "info"
	LogFormat string // "json" or "text", default "json"

	// Named resource-manager driver, see lib/dispatch drivers
	// registry. Default "stub".
	Driver string

	// DSN of the demand database (lib/pq format). Demand is kept
	// in memory only when empty.
	DemandDatabaseDSN string

	Dispatch DispatchConfig
}

// DispatchConfig holds the tunables of the epoch-scoped scheduling
// pipeline.
type DispatchConfig struct {
	// Per-matcher deadline within one offer cycle.
	MatchTimeout Duration

	// Window within which a second recoverable matcher fault is
	// logged as degraded.
	MatchFaultWindow Duration

	// Token bucket feeding revive calls: one token per
	// ReviveInterval, at most ReviveBurst saved up.
	ReviveInterval Duration
	ReviveBurst    int

	// How long WantsOffers must stay false before offers are
	// suppressed.
	SuppressDelay Duration

	// Status update throttle.
	StatusMaxConcurrent int
	StatusMaxQueue      int

	// Heartbeat monitor.
	HeartbeatInterval         Duration
	HeartbeatFailureThreshold int

	// Size of the LRU cache in front of RunSpec requirement
	// lookups.
	RequirementCacheSize int

	// Per-instance requirement assumed when no workload-lifecycle
	// collaborator is wired in (stub driver deployments).
	DefaultRequirement ResourceRequest
}
