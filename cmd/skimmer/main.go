// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Skimmer polls heterogeneous REST APIs on a schedule and ships their
// records as gzip-compressed NDJSON bulks to one or more log-ingest
// endpoints. Sources, pagination and outputs are declared in a YAML
// manifest; see internal/config for its shape.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/tomtom215/skimmer/internal/config"
	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/opsserver"
	"github.com/tomtom215/skimmer/internal/scheduler"
)

var allowedLevels = []string{"INFO", "WARN", "ERROR", "DEBUG"}

func main() {
	os.Exit(run())
}

func run() int {
	level := flag.String("level", "INFO", "Logging level (one of INFO, WARN, ERROR, DEBUG)")
	configPath := flag.String("config", "", "Path to the manifest (default: search config.yaml, /etc/skimmer/)")
	testRun := flag.Bool("test-run", false, "Force DEBUG logging and exit after one tick per source")
	flag.Parse()

	if !slices.Contains(allowedLevels, strings.ToUpper(*level)) {
		fmt.Fprintf(os.Stderr, "invalid --level %q (allowed: %s)\n", *level, strings.Join(allowedLevels, ", "))
		return 1
	}

	k, err := config.Load(*configPath)
	if err != nil {
		logging.Error().Err(err).Msg("cannot load manifest")
		return 1
	}

	logCfg := config.Logging(k)
	effectiveLevel := strings.ToLower(*level)
	if *testRun {
		effectiveLevel = "debug"
	} else if effectiveLevel == "info" && logCfg.Level != "" {
		// The manifest may lower or raise the level when the flag is at its
		// default.
		effectiveLevel = logCfg.Level
	}
	logging.Init(logging.Config{
		Level:  effectiveLevel,
		Format: logCfg.Format,
		Caller: logCfg.Caller,
	})

	logging.Info().Str("level", effectiveLevel).Msg("starting skimmer")

	workers, err := config.Bind(k, *testRun)
	if err != nil {
		logging.Error().Err(err).Msg("manifest binding failed")
		return 1
	}

	tree := scheduler.NewTree(scheduler.DefaultTreeConfig())
	for _, w := range workers {
		tree.AddWorker(w)
	}
	if ops := config.Ops(k); ops.Enabled {
		tree.AddService(opsserver.New(ops.Listen))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *testRun {
		// One tick per source, no supervision loop.
		for _, w := range tree.Workers() {
			if err := w.RunTick(ctx); err != nil && errors.Is(err, scheduler.ErrFatalShipping) {
				return 1
			}
		}
		logging.Info().Msg("test run complete")
		return 0
	}

	err = tree.Serve(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logging.Info().Msg("shutdown complete")
		return 0
	default:
		logging.Error().Err(err).Msg("supervisor exited")
		return 1
	}
}
