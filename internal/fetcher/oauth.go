// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/metrics"
	"github.com/tomtom215/skimmer/internal/pathutil"
)

// refreshSkew is how long before expiry a token already counts as stale.
const refreshSkew = 60 * time.Second

// TokenConfig describes the token acquisition call of an OAuth-bound source.
// The token request is itself a full request: any method, URL, headers, body.
type TokenConfig struct {
	Name    string
	Method  string
	URL     string
	Headers map[string]string
	Body    any

	// TokenPath/ExpiresPath locate the access token and its lifetime
	// (seconds) in the token response. Defaults: access_token, expires_in.
	TokenPath   string
	ExpiresPath string
}

// TokenSource acquires and caches an access token for one source. It is
// mutated only by the source's own worker.
type TokenSource struct {
	name    string
	request Request

	tokenPath   *pathutil.Path
	expiresPath *pathutil.Path

	token  string
	expiry time.Time

	client *Client

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenSource builds a TokenSource from its config.
func NewTokenSource(cfg TokenConfig) (*TokenSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("token request url is required")
	}
	method := cfg.Method
	if method == "" {
		method = "POST"
	}
	body, err := formatBody(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("token request body: %w", err)
	}

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = "access_token"
	}
	expiresPath := cfg.ExpiresPath
	if expiresPath == "" {
		expiresPath = "expires_in"
	}

	return &TokenSource{
		name:        cfg.Name,
		request:     Request{Method: method, URL: cfg.URL, Headers: cfg.Headers, Body: body},
		tokenPath:   pathutil.Compile(tokenPath),
		expiresPath: pathutil.Compile(expiresPath),
		now:         time.Now,
	}, nil
}

// EnsureFresh returns a token valid for at least the refresh skew. A stale
// token triggers a fetch; on fetch failure the cached token is kept (it may
// outlive our conservative expiry) and the error propagates so the tick can
// abort.
func (ts *TokenSource) EnsureFresh(ctx context.Context) (string, error) {
	if ts.token != "" && ts.now().Add(refreshSkew).Before(ts.expiry) {
		return ts.token, nil
	}

	token, expiresIn, err := ts.fetch(ctx)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(ts.name, "error").Inc()
		return "", err
	}

	ts.token = token
	ts.expiry = ts.now().Add(time.Duration(expiresIn) * time.Second)
	metrics.TokenRefreshes.WithLabelValues(ts.name, "ok").Inc()
	logging.Debug().
		Str("source", ts.name).
		Time("expiry", ts.expiry).
		Msg("access token refreshed")
	return ts.token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (ts *TokenSource) Invalidate() {
	ts.token = ""
	ts.expiry = time.Time{}
}

func (ts *TokenSource) fetch(ctx context.Context) (string, int64, error) {
	if ts.client == nil {
		ts.client = NewClient(ts.name+"-token", 0)
	}

	res, err := ts.client.Do(ctx, ts.request.Clone())
	if err != nil {
		return "", 0, err
	}

	tokenValue, found := ts.tokenPath.Resolve(res)
	if !found || tokenValue == nil {
		return "", 0, fmt.Errorf("token response has no %q field", ts.tokenPath)
	}
	token, ok := tokenValue.(string)
	if !ok {
		return "", 0, fmt.Errorf("token response %q field is not a string", ts.tokenPath)
	}

	expiresValue, found := ts.expiresPath.Resolve(res)
	if !found {
		return "", 0, fmt.Errorf("token response has no %q field", ts.expiresPath)
	}
	expiresIn, err := asSeconds(expiresValue)
	if err != nil {
		return "", 0, fmt.Errorf("token response %q field: %w", ts.expiresPath, err)
	}

	return token, expiresIn, nil
}

// asSeconds accepts the lifetime as a JSON number or a numeric string,
// both of which appear across vendors.
func asSeconds(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case string:
		n, err := strconv.ParseInt(typed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", typed)
		}
		return n, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
