// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/metrics"
)

// connectionTimeout bounds every upstream call (connect + read).
const connectionTimeout = 5 * time.Second

// successCodes are the statuses treated as a successful data response.
var successCodes = map[int]bool{200: true, 204: true}

// Request is the full mutable state of one upstream call. Pagination works on
// copies of this value; only the end-of-tick cursor commit writes back to the
// Fetcher.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Clone returns a deep copy so pagination mutations never alias the original.
func (r Request) Clone() Request {
	clone := r
	if r.Headers != nil {
		clone.Headers = maps.Clone(r.Headers)
	}
	return clone
}

// Client executes upstream calls for one source: shared http.Client with the
// connection timeout, a circuit breaker so a dead vendor API stops consuming
// the worker, and an optional pagination rate limit.
type Client struct {
	name    string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

// NewClient creates a client for the named source. maxRate > 0 throttles
// calls to that many requests per second.
func NewClient(name string, maxRate float64) *Client {
	c := &Client{
		name:  name,
		httpc: &http.Client{Timeout: connectionTimeout},
	}
	if maxRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(maxRate), 1)
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("source", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, breakerStateString(from), breakerStateString(to)).Inc()
		},
		IsSuccessful: func(err error) bool {
			// A 4xx is the caller's problem, not upstream availability.
			return err == nil || IsClient(err) || IsAuth(err)
		},
	})
	return c
}

// Do executes the request and returns the decoded JSON response. A body that
// is not valid JSON is returned as its raw string. Non-2xx statuses return
// *HTTPError; connection failures return the transport error.
func (c *Client) Do(ctx context.Context, req Request) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, req Request) (any, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	// Date filters arrive with literal spaces ("createdDateTime gt ...");
	// encode them so the request line stays valid.
	reqURL := strings.ReplaceAll(req.URL, " ", "%20")

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	logging.Debug().
		Str("source", c.name).
		Str("method", req.Method).
		Str("url", logging.SanitizeURL(req.URL)).
		Msg("sending API call")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if !successCodes[resp.StatusCode] {
		return nil, &HTTPError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Some endpoints answer 2xx with plain text; ship it as-is.
		return string(raw), nil
	}
	return decoded, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func breakerStateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
