// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package scheduler

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/skimmer/internal/logging"
)

// TreeConfig holds supervisor failure-handling parameters.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown of each service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig matches suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree supervises all source workers and the ops server. A panicking or
// erroring worker restarts with backoff; a worker returning
// suture.ErrTerminateSupervisorTree stops the whole process.
type Tree struct {
	root    *suture.Supervisor
	workers []*Worker
}

// NewTree builds the supervisor with suture events logged through the
// process-wide zerolog output.
func NewTree(config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	root := suture.New("skimmer", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	})

	return &Tree{root: root}
}

// AddWorker registers a source worker with the supervisor.
func (t *Tree) AddWorker(w *Worker) {
	t.workers = append(t.workers, w)
	t.root.Add(w)
}

// AddService registers any extra supervised service (the ops server).
func (t *Tree) AddService(svc suture.Service) {
	t.root.Add(svc)
}

// Workers returns the registered workers, in registration order.
func (t *Tree) Workers() []*Worker { return t.workers }

// Serve runs the tree until the context is canceled or a service requests
// termination. All workers drain their current tick before it returns.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
