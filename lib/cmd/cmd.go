// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmd helps define halyard commands: things that can be
// invoked from a command line.
package cmd

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
)

// A Handler runs a command with the given args, and returns an exit
// code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// RunCommand implements Handler.
func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version is the version reported by every command's -version flag.
// Overridden at build time with -ldflags.
var version = "dev"

// VersionHandler prints version information and exits 0.
var VersionHandler = HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " -version")
	prog = strings.TrimSuffix(prog, " --version")
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
})

// Multi returns a Handler that looks up its first argument in m and
// invokes the resulting Handler with the remaining args.
func Multi(m map[string]Handler) Handler {
	return HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		_, basename := filepath(prog)
		if len(args) < 1 {
			fmt.Fprintf(stderr, "usage: %s command [args]\n", basename)
			multiUsage(stderr, m)
			return 2
		}
		if cmd, ok := m[args[0]]; !ok {
			fmt.Fprintf(stderr, "unrecognized command %q\n", args[0])
			multiUsage(stderr, m)
			return 2
		} else {
			return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
		}
	})
}

func filepath(prog string) (dir, base string) {
	if i := strings.LastIndex(prog, "/"); i >= 0 {
		return prog[:i], prog[i+1:]
	}
	return "", prog
}

func multiUsage(stderr io.Writer, m map[string]Handler) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Alternate spellings like "--version" don't
			// belong in the subcommand summary.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}
