// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the dispatcher's site configuration from a
// YAML file and fills in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// DefaultPath is where the dispatcher looks for its configuration
// when no -config flag is given.
const DefaultPath = "/etc/halyard/config.yml"

// Default returns a Config with every tunable set to its default.
func Default() *halyard.Config {
	return &halyard.Config{
		Listen:    ":9435",
		LogLevel:  "info",
		LogFormat: "json",
		Driver:    "stub",
		Dispatch: halyard.DispatchConfig{
			MatchTimeout:              halyard.Duration(time.Second),
			MatchFaultWindow:          halyard.Duration(10 * time.Second),
			ReviveInterval:            halyard.Duration(5 * time.Second),
			ReviveBurst:               3,
			SuppressDelay:             halyard.Duration(10 * time.Second),
			StatusMaxConcurrent:       8,
			StatusMaxQueue:            64,
			HeartbeatInterval:         halyard.Duration(15 * time.Second),
			HeartbeatFailureThreshold: 3,
			RequirementCacheSize:      1024,
			DefaultRequirement: halyard.ResourceRequest{
				CPUs:  0.1,
				MemMB: 128,
			},
		},
	}
}

// Load reads the YAML file at path, overlays it on the defaults, and
// validates the result. A missing file is an error; an empty path
// returns the defaults unchanged.
func Load(path string) (*halyard.Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return cfg, validate(cfg)
}

func validate(cfg *halyard.Config) error {
	d := &cfg.Dispatch
	if d.StatusMaxConcurrent < 1 {
		return fmt.Errorf("Dispatch.StatusMaxConcurrent must be positive, got %d", d.StatusMaxConcurrent)
	}
	if d.StatusMaxQueue < 0 {
		return fmt.Errorf("Dispatch.StatusMaxQueue must not be negative, got %d", d.StatusMaxQueue)
	}
	if d.HeartbeatFailureThreshold < 1 {
		return fmt.Errorf("Dispatch.HeartbeatFailureThreshold must be positive, got %d", d.HeartbeatFailureThreshold)
	}
	if d.ReviveBurst < 1 {
		return fmt.Errorf("Dispatch.ReviveBurst must be positive, got %d", d.ReviveBurst)
	}
	for name, dur := range map[string]halyard.Duration{
		"MatchTimeout":      d.MatchTimeout,
		"ReviveInterval":    d.ReviveInterval,
		"HeartbeatInterval": d.HeartbeatInterval,
	} {
		if dur.Duration() <= 0 {
			return fmt.Errorf("Dispatch.%s must be positive, got %s", name, dur)
		}
	}
	return nil
}
