// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package scheduler runs one supervised periodic worker per source. Workers
// are independent: a failing source never stalls the others, and the only
// shared signal is the context that stops them all.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/shipper"
)

// ErrFatalShipping wraps a terminal sink failure. The worker escalates it so
// the whole tree shuts down: an invalid token or malformed payload will not
// fix itself on the next tick.
var ErrFatalShipping = errors.New("fatal shipping failure")

// Worker drives one source: tick, fan out to sinks, wait, repeat.
type Worker struct {
	source *fetcher.Fetcher
	sinks  []*shipper.Shipper

	// testRun makes the worker exit after a single tick.
	testRun bool
}

// NewWorker binds a source to its ordered sink list.
func NewWorker(source *fetcher.Fetcher, sinks []*shipper.Shipper, testRun bool) *Worker {
	return &Worker{source: source, sinks: sinks, testRun: testRun}
}

// String implements fmt.Stringer; suture uses it to identify the service.
func (w *Worker) String() string {
	return "worker-" + w.source.Name
}

// Source returns the worker's fetcher.
func (w *Worker) Source() *fetcher.Fetcher { return w.source }

// Sinks returns the worker's private sink instances, in fan-out order.
func (w *Worker) Sinks() []*shipper.Shipper { return w.sinks }

// Serve implements suture.Service. Each cycle runs one tick to completion,
// then waits the scrape interval or the stop signal, whichever comes first.
// Ticks never overlap.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Info().
		Str("source", w.source.Name).
		Dur("interval", w.source.ScrapeInterval).
		Msg("worker started")

	for {
		if err := w.RunTick(ctx); err != nil {
			if errors.Is(err, ErrFatalShipping) {
				logging.Error().Str("source", w.source.Name).Err(err).Msg("terminal shipping failure, stopping the process")
				return suture.ErrTerminateSupervisorTree
			}
			// Non-fatal tick errors are already logged; the next tick retries.
		}

		if w.testRun {
			logging.Info().Str("source", w.source.Name).Msg("test run finished after one tick")
			return suture.ErrDoNotRestart
		}

		select {
		case <-ctx.Done():
			logging.Info().Str("source", w.source.Name).Msg("worker stopped")
			return ctx.Err()
		case <-time.After(w.source.ScrapeInterval):
		}
	}
}

// RunTick executes one fetch-and-ship cycle. The returned error is nil for
// clean ticks, ErrFatalShipping-wrapped for terminal sink failures, and the
// fetch error otherwise (after logging).
func (w *Worker) RunTick(ctx context.Context) error {
	tickID := uuid.NewString()
	tickLog := logging.With().Str("source", w.source.Name).Str("tick", tickID).Logger()
	tickLog.Info().Msg("tick started")

	records, err := w.source.Tick(ctx)
	if err != nil {
		w.logTickError(err)
		return err
	}

	if len(records) == 0 {
		return nil
	}

	if err := w.ship(ctx, records); err != nil {
		return err
	}

	tickLog.Info().
		Int("records", len(records)).
		Msg("tick finished")
	return nil
}

// ship fans the records out to every sink independently. A failure on one
// sink cancels only that sink's remaining deliveries for this tick; a fatal
// failure anywhere is escalated after the other sinks got their chance.
func (w *Worker) ship(ctx context.Context, records []any) error {
	var fatal error

	for _, sink := range w.sinks {
		if err := w.shipToSink(ctx, sink, records); err != nil {
			if shipper.IsFatal(err) {
				fatal = err
				continue
			}
			logging.Warn().
				Str("source", w.source.Name).
				Str("sink", sink.Name()).
				Err(err).
				Msg("sink delivery failed, remaining sinks unaffected")
		}
	}

	if fatal != nil {
		return errors.Join(ErrFatalShipping, fatal)
	}
	return nil
}

func (w *Worker) shipToSink(ctx context.Context, sink *shipper.Shipper, records []any) error {
	for _, record := range records {
		if err := sink.AddRecord(ctx, record, w.source.AdditionalFields); err != nil {
			return err
		}
	}
	return sink.Flush(ctx)
}

func (w *Worker) logTickError(err error) {
	switch {
	case fetcher.IsAuth(err):
		logging.Error().Str("source", w.source.Name).Err(err).Msg("authentication failed, tick aborted")
	case fetcher.IsClient(err):
		logging.Error().Str("source", w.source.Name).Err(err).Msg("API rejected the request, tick aborted")
	default:
		logging.Warn().Str("source", w.source.Name).Err(err).Msg("tick failed, will retry next interval")
	}
}
