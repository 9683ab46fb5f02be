// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package opsserver exposes the operational HTTP surface: liveness and
// Prometheus metrics. It is plumbing for operators, not a product API, and
// binds to localhost by default.
package opsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/skimmer/internal/logging"
)

// Server serves /healthz and /metrics. It implements suture.Service so the
// supervisor owns its lifecycle like any worker.
type Server struct {
	listen string
}

// New creates an ops server listening on addr.
func New(addr string) *Server {
	return &Server{listen: addr}
}

// String implements fmt.Stringer for the supervisor's logs.
func (s *Server) String() string { return "ops-server" }

// router assembles the ops routes.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve implements suture.Service: run the HTTP server until the context is
// canceled, then shut it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logging.Info().Str("listen", s.listen).Msg("ops server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
