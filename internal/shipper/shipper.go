// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package shipper batches serialized records per sink, gzip-compresses the
// NDJSON bulk and POSTs it to the log-ingest listener with bounded retries.
package shipper

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/metrics"
)

// Version identifies this integration in the Logzio-Shipper header.
const Version = "1.0.0"

// DefaultListener receives bulks when the manifest names no listener.
const DefaultListener = "https://listener.logz.io:8071"

// Size ceilings in bytes.
const (
	MaxBodyBytes = 10 * 1024 * 1024
	MaxBulkBytes = MaxBodyBytes / 10
	MaxLogBytes  = 500 * 1000
)

// Retry policy for posting bulks.
const (
	maxRetries        = 3
	retryInitialDelay = time.Second
	connectionTimeout = 5 * time.Second
)

// retryStatuses are forced onto the retry path.
var retryStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true}

// Terminal shipping failures. Both indicate misconfiguration or a bug, so the
// scheduler escalates them to process shutdown.
var (
	// ErrUnauthorized means the shipping token was rejected.
	ErrUnauthorized = errors.New("shipping token is missing or invalid")

	// ErrBadRequest means the listener rejected the payload as malformed.
	ErrBadRequest = errors.New("listener rejected the bulk as bad formatted")
)

// ErrRetriesExhausted wraps the last transient error once all retries failed.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// Config describes one sink.
type Config struct {
	// Name identifies the sink in logs and metrics. Defaults to the listener
	// host.
	Name string

	// URL is the listener endpoint. Defaults to DefaultListener.
	URL string

	// Token is the shipping token, appended to the listener URL.
	Token string

	// RetryInitial overrides the first backoff delay. Zero keeps the
	// default of one second.
	RetryInitial time.Duration
}

// Shipper is one sink: a private batch plus the POST machinery. A Shipper is
// confined to a single source's worker; the config binding gives every source
// its own instances, so none is shared across workers.
type Shipper struct {
	name     string
	endpoint string

	logs     []string
	bulkSize int

	httpc *http.Client

	// retryInitial is the first backoff delay; tests shrink it.
	retryInitial time.Duration
}

// New creates a Shipper for the given sink config.
func New(cfg Config) (*Shipper, error) {
	if cfg.Token == "" {
		return nil, errors.New("sink token is required")
	}
	listener := cfg.URL
	if listener == "" {
		listener = DefaultListener
	}
	if !strings.HasPrefix(listener, "http://") && !strings.HasPrefix(listener, "https://") {
		return nil, fmt.Errorf("sink url %q must start with http:// or https://", listener)
	}
	name := cfg.Name
	if name == "" {
		name = strings.TrimPrefix(strings.TrimPrefix(listener, "https://"), "http://")
	}

	retryInitial := cfg.RetryInitial
	if retryInitial <= 0 {
		retryInitial = retryInitialDelay
	}

	return &Shipper{
		name:         name,
		endpoint:     fmt.Sprintf("%s/?token=%s", strings.TrimSuffix(listener, "/"), cfg.Token),
		httpc:        &http.Client{Timeout: connectionTimeout},
		retryInitial: retryInitial,
	}, nil
}

// Name returns the sink's identifier.
func (s *Shipper) Name() string { return s.name }

// Pending returns the number of batched records not yet flushed.
func (s *Shipper) Pending() int { return len(s.logs) }

// AddRecord serializes the record, merges the additional fields and batches
// it. A record over MaxLogBytes is dropped with an error log. When the batch
// would overflow MaxBulkBytes the current batch is flushed first; a flush
// failure is returned after the record is still batched, so nothing is lost
// before the next attempt.
func (s *Shipper) AddRecord(ctx context.Context, record any, additionalFields map[string]any) error {
	enriched, err := enrich(record, additionalFields)
	if err != nil {
		logging.Error().Str("sink", s.name).Err(err).Msg("failed to serialize record, dropping it")
		metrics.RecordsDropped.WithLabelValues(s.name).Inc()
		return nil
	}

	if len(enriched) > MaxLogBytes {
		logging.Error().
			Str("sink", s.name).
			Int("size", len(enriched)).
			Int("limit", MaxLogBytes).
			Msg("record exceeds the log size limit, dropping it")
		metrics.RecordsDropped.WithLabelValues(s.name).Inc()
		return nil
	}

	var flushErr error
	if s.bulkSize+len(enriched) > MaxBulkBytes {
		flushErr = s.Flush(ctx)
	}

	s.logs = append(s.logs, enriched)
	s.bulkSize += len(enriched)
	return flushErr
}

// Flush posts the current batch as gzip-compressed NDJSON. An empty batch is
// a no-op. A batch that grew past the bulk bound (a failed flush keeps its
// records) goes out as several bounded bulks. On success the batch resets; on
// failure the unsent records are kept for a later attempt and the error
// reports whether it is terminal.
func (s *Shipper) Flush(ctx context.Context) error {
	for len(s.logs) > 0 {
		count, recordBytes, payloadBytes := s.bulkPrefix()
		payload := strings.Join(s.logs[:count], "\n")
		compressed, err := gzipBytes([]byte(payload))
		if err != nil {
			return fmt.Errorf("compress bulk: %w", err)
		}

		if err := s.post(ctx, compressed); err != nil {
			s.classifyMetric(err)
			return err
		}

		logging.Info().
			Str("sink", s.name).
			Int("records", count).
			Int("bytes", payloadBytes).
			Msg("bulk shipped")
		metrics.BulksShipped.WithLabelValues(s.name, "ok").Inc()
		metrics.BulkBytes.WithLabelValues(s.name).Observe(float64(payloadBytes))

		s.logs = s.logs[count:]
		s.bulkSize -= recordBytes
	}
	return nil
}

// bulkPrefix returns how many leading records fit one bulk with the newline
// separators counted, their summed record size, and the joined payload size.
func (s *Shipper) bulkPrefix() (count, recordBytes, payloadBytes int) {
	for i, l := range s.logs {
		next := payloadBytes + len(l)
		if i > 0 {
			next++ // separator
		}
		if next > MaxBulkBytes && i > 0 {
			return i, recordBytes, payloadBytes
		}
		payloadBytes = next
		recordBytes += len(l)
	}
	return len(s.logs), recordBytes, payloadBytes
}

// post sends one bulk with the retry policy: up to maxRetries retries with
// exponential backoff on connection errors and retryable 5xx statuses.
// 400 and 401 are terminal.
func (s *Shipper) post(ctx context.Context, compressed []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial

	attempts := 0
	var lastTransient error

	operation := func() error {
		attempts++
		if attempts > 1 {
			metrics.ShipperRetries.WithLabelValues(s.name).Inc()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(compressed))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build bulk request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Logzio-Shipper", "skimmer/"+Version)

		resp, err := s.httpc.Do(req)
		if err != nil {
			lastTransient = err
			logging.Warn().Str("sink", s.name).Err(err).Msg("bulk post failed, will retry")
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusBadRequest:
			return backoff.Permanent(ErrBadRequest)
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(ErrUnauthorized)
		case retryStatuses[resp.StatusCode]:
			lastTransient = fmt.Errorf("listener answered %d", resp.StatusCode)
			logging.Warn().Str("sink", s.name).Int("status", resp.StatusCode).Msg("bulk post failed, will retry")
			return lastTransient
		default:
			return backoff.Permanent(fmt.Errorf("listener answered unexpected status %d", resp.StatusCode))
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		if lastTransient != nil && errors.Is(err, lastTransient) {
			return &ErrRetriesExhausted{Attempts: attempts, Last: lastTransient}
		}
		return err
	}
	return nil
}

func (s *Shipper) classifyMetric(err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		metrics.BulksShipped.WithLabelValues(s.name, "unauthorized").Inc()
	case errors.Is(err, ErrBadRequest):
		metrics.BulksShipped.WithLabelValues(s.name, "bad_request").Inc()
	default:
		metrics.BulksShipped.WithLabelValues(s.name, "retry_exhausted").Inc()
	}
}

// IsFatal reports whether a shipping error should stop the whole process:
// an invalid token, or a malformed payload which indicates a bug.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadRequest)
}

// enrich normalizes the record into one compact JSON object and merges the
// additional fields. Fields already present in the record win, which keeps
// the merge idempotent.
func enrich(record any, additionalFields map[string]any) (string, error) {
	obj := normalize(record)

	for k, v := range additionalFields {
		if _, exists := obj[k]; !exists {
			obj[k] = v
		}
	}

	encoded, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(encoded), nil
}

// normalize coerces any record shape into a JSON object: strings are parsed
// if they hold a JSON object, otherwise wrapped as a message; non-object
// values are wrapped as a message too.
func normalize(record any) map[string]any {
	switch typed := record.(type) {
	case map[string]any:
		obj := make(map[string]any, len(typed))
		for k, v := range typed {
			obj[k] = v
		}
		return obj
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(typed), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"message": typed}
	default:
		return map[string]any{"message": record}
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
