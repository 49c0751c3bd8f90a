// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command halyard-dispatcher runs the leader-gated scheduling core:
// it matches resource offers against pending launch demand and serves
// the dispatch management API.
package main

import (
	"os"

	"github.com/halyard-dev/halyard/lib/cmd"
	"github.com/halyard-dev/halyard/lib/dispatch"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.VersionHandler,
	"-version":  cmd.VersionHandler,
	"--version": cmd.VersionHandler,

	"run":    dispatch.Command,
	"demand": dispatch.DemandCommand,
})

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
