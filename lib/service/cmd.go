// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up a halyard
// service: it loads the site config, sets up logging, constructs the
// service's HTTP handler, and runs the HTTP server until the handler
// shuts itself down.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/lib/cmd"
	"github.com/halyard-dev/halyard/lib/config"
	"github.com/halyard-dev/halyard/sdk/go/ctxlog"
	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

// A Handler is the service-specific part of a running service.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// A NewHandlerFunc builds the Handler once the config is loaded and
// logging is set up.
type NewHandlerFunc func(ctx context.Context, cfg *halyard.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shut the service down; no public API yet
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler, and brings up an HTTP server with the returned handler.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", config.DefaultPath, "`path` to config file")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.VersionHandler.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return 1
	}
	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"ServiceName": c.svcName,
		"PID":         os.Getpid(),
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		err = fmt.Errorf("error listening on %s: %w", cfg.Listen, err)
		return 1
	}
	logger.WithField("Listen", ln.Addr().String()).Info("listening")
	if _, err2 := daemon.SdNotify(false, "READY=1"); err2 != nil {
		logger.WithError(err2).Errorf("error notifying init daemon")
	}

	go func() {
		if done := handler.Done(); done != nil {
			<-done
			srv.Close()
		}
	}()
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}
