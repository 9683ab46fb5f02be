// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package fetcher implements the generic, declaratively-driven API fetcher
// engine: request execution, pagination across protocol dialects, cursor
// advancement via next_url/next_body substitution, and OAuth token refresh.
//
// A Fetcher owns the full request state of one configured source. Its own
// worker is the only goroutine that touches it; nothing here locks.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/metrics"
	"github.com/tomtom215/skimmer/internal/pathutil"
)

// DefaultRecordType is merged into every record that carries no explicit type.
const DefaultRecordType = "api-fetcher"

// Hooks let an adapter specialize the engine without subclassing it. All are
// optional.
type Hooks struct {
	// BeforeCall runs before the tick's primary request, after token refresh.
	// Adapters use it for time-window bookkeeping such as rewriting a
	// NOW_DATE token to the current instant. An error aborts the tick.
	BeforeCall func(f *Fetcher) error

	// AfterTick runs after cursor advancement with the records the tick
	// emitted (possibly none). Adapters use it to bump stored date filters.
	AfterTick func(f *Fetcher, records []any)

	// OnAuthError runs when the primary call answers 401. Returning true
	// retries the call once, after the hook re-established credentials.
	OnAuthError func(f *Fetcher) bool
}

// Config is the declarative description of one source, as produced by the
// manifest binding or by an adapter constructor.
type Config struct {
	Name   string
	Method string
	URL    string

	Headers map[string]string

	// Body may be a string or a structured value; structured bodies are
	// canonicalized to a JSON string.
	Body any

	// NextURL/NextBody rewrite the stored URL/body after a successful tick,
	// substituting {res.path} references against the tick's first response.
	// The embedded "since" cursor lives here.
	NextURL  string
	NextBody any

	// ResponseDataPath selects the records inside the response. Unset means
	// a JSON array response ships element by element and any other response
	// is one record (see WrapResponseAsRecord).
	ResponseDataPath string

	// WrapResponseAsRecord controls the unset-ResponseDataPath case when the
	// response is a single JSON object: true ships it as one record, false
	// ships nothing. Binding defaults it to true.
	WrapResponseAsRecord bool

	Pagination *PaginationSettings

	// AdditionalFields are merged into every emitted record downstream.
	AdditionalFields map[string]any

	ScrapeInterval time.Duration

	// MaxRate throttles upstream calls (requests per second, 0 = unlimited).
	MaxRate float64

	// Token makes the source OAuth-bound.
	Token *TokenSource
}

// Fetcher is the engine for one source. URL, Headers and Body are the live
// request state; the cursor is whatever date or token the adapter's
// next_url/next_body templates keep embedded in them.
type Fetcher struct {
	Name             string
	Method           string
	URL              string
	Headers          map[string]string
	Body             string
	ResponseDataPath *pathutil.Path
	Pagination       *PaginationSettings
	AdditionalFields map[string]any
	ScrapeInterval   time.Duration
	Token            *TokenSource
	Hooks            Hooks

	WrapResponseAsRecord bool

	nextURL  *pathutil.Template
	nextBody *pathutil.Template
	client   *Client
}

// New builds a Fetcher from its declarative config.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("source url is required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}
	method := cfg.Method
	if method == "" {
		method = "GET"
	}

	body, err := formatBody(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}

	interval := cfg.ScrapeInterval
	if interval <= 0 {
		interval = time.Minute
	}

	fields := make(map[string]any, len(cfg.AdditionalFields)+1)
	for k, v := range cfg.AdditionalFields {
		fields[k] = v
	}
	if _, ok := fields["type"]; !ok {
		fields["type"] = DefaultRecordType
	}

	f := &Fetcher{
		Name:                 name,
		Method:               method,
		URL:                  cfg.URL,
		Headers:              cfg.Headers,
		Body:                 body,
		Pagination:           cfg.Pagination,
		AdditionalFields:     fields,
		ScrapeInterval:       interval,
		Token:                cfg.Token,
		WrapResponseAsRecord: cfg.WrapResponseAsRecord,
		client:               NewClient(name, cfg.MaxRate),
	}
	if cfg.ResponseDataPath != "" {
		f.ResponseDataPath = pathutil.Compile(cfg.ResponseDataPath)
	}
	if cfg.NextURL != "" {
		f.nextURL = pathutil.CompileTemplate(cfg.NextURL)
	}
	if cfg.NextBody != nil {
		tmpl, err := pathutil.CompileStructured(cfg.NextBody)
		if err != nil {
			return nil, fmt.Errorf("source %s: next_body: %w", name, err)
		}
		f.nextBody = tmpl
	}
	if f.Token != nil {
		f.Token.client = NewClient(name+"-token", 0)
	}
	return f, nil
}

// SetNextURL replaces the next_url template. Adapters call this while
// assembling their cursor scheme.
func (f *Fetcher) SetNextURL(raw string) {
	if raw == "" {
		f.nextURL = nil
		return
	}
	f.nextURL = pathutil.CompileTemplate(raw)
}

// NextURLTemplate returns the raw next_url template, or "".
func (f *Fetcher) NextURLTemplate() string {
	if f.nextURL == nil {
		return ""
	}
	return f.nextURL.String()
}

// Tick runs one scheduled fetch: token refresh, adapter hook, primary call,
// pagination, cursor advancement. It returns the emitted records in arrival
// order. The cursor only advances on success, so a failed tick retries the
// same window next time.
func (f *Fetcher) Tick(ctx context.Context) ([]any, error) {
	start := time.Now()
	records, err := f.tick(ctx)
	metrics.TickDuration.WithLabelValues(f.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TicksTotal.WithLabelValues(f.Name, "error").Inc()
		return nil, err
	}
	metrics.TicksTotal.WithLabelValues(f.Name, "ok").Inc()
	metrics.RecordsFetched.WithLabelValues(f.Name).Add(float64(len(records)))
	return records, nil
}

func (f *Fetcher) tick(ctx context.Context) ([]any, error) {
	if f.Token != nil {
		token, err := f.Token.EnsureFresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh token for %s: %w", f.Name, err)
		}
		if f.Headers == nil {
			f.Headers = make(map[string]string)
		}
		f.Headers["Authorization"] = "Bearer " + token
	}

	if f.Hooks.BeforeCall != nil {
		if err := f.Hooks.BeforeCall(f); err != nil {
			return nil, fmt.Errorf("pre-request hook for %s: %w", f.Name, err)
		}
	}

	req := Request{Method: f.Method, URL: f.URL, Headers: f.Headers, Body: f.Body}.Clone()

	firstRes, err := f.client.Do(ctx, req)
	if err != nil && IsAuth(err) && f.Hooks.OnAuthError != nil && f.Hooks.OnAuthError(f) {
		req = Request{Method: f.Method, URL: f.URL, Headers: f.Headers, Body: f.Body}.Clone()
		firstRes, err = f.client.Do(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	records := f.extract(firstRes)
	if len(records) == 0 {
		// No new data is expected between windows; the cursor stays put so
		// the next tick re-checks the same window.
		logging.Info().Str("source", f.Name).Msg("no new data available")
	} else {
		if f.Pagination != nil {
			records = append(records, f.paginate(ctx, req, firstRes)...)
		}
		f.advanceCursor(firstRes)
	}

	if f.Hooks.AfterTick != nil {
		f.Hooks.AfterTick(f, records)
	}
	return records, nil
}

// paginate drives follow-up calls on a copy of the request. The Fetcher's own
// URL/headers/body stay untouched, which is what keeps cursor logic
// independent of pagination internals.
func (f *Fetcher) paginate(ctx context.Context, firstReq Request, firstRes any) []any {
	var collected []any
	res := firstRes
	req := firstReq
	callCount := 0

	for !f.Pagination.done(res, callCount) {
		nextReq, err := f.Pagination.next(req, res, firstReq.URL)
		if err != nil {
			logging.Debug().Str("source", f.Name).Err(err).Msg("stopping pagination")
			break
		}
		req = nextReq

		logging.Debug().
			Str("source", f.Name).
			Int("call", callCount+1).
			Str("url", logging.SanitizeURL(req.URL)).
			Msg("sending pagination call")

		res, err = f.client.Do(ctx, req)
		callCount++
		if err != nil {
			logging.Warn().Str("source", f.Name).Err(err).Msg("pagination call failed, keeping accumulated records")
			break
		}
		metrics.PaginationCalls.WithLabelValues(f.Name).Inc()

		collected = append(collected, f.extract(res)...)
	}
	return collected
}

// extract selects the records from a response according to the data path.
func (f *Fetcher) extract(res any) []any {
	if f.ResponseDataPath == nil {
		if res == nil {
			return nil
		}
		if _, isObject := res.(map[string]any); isObject && !f.WrapResponseAsRecord {
			return nil
		}
		if seq, isSeq := res.([]any); isSeq {
			return seq
		}
		return []any{res}
	}

	value, found := f.ResponseDataPath.Resolve(res)
	if !found || value == nil {
		logging.Debug().
			Str("source", f.Name).
			Str("path", f.ResponseDataPath.String()).
			Msg("no data at response data path")
		return nil
	}
	if seq, isSeq := value.([]any); isSeq {
		return seq
	}
	return []any{value}
}

// advanceCursor commits next_url/next_body against the tick's first response.
// A reference miss leaves the cursor where it was: better to re-fetch a
// window than to silently skip one.
func (f *Fetcher) advanceCursor(firstRes any) {
	if f.nextURL != nil {
		if rendered, err := f.nextURL.Render(firstRes); err == nil {
			f.URL = rendered
		} else {
			logging.Warn().Str("source", f.Name).Err(err).Msg("cursor URL not advanced")
		}
	}
	if f.nextBody != nil {
		if rendered, err := f.nextBody.Render(firstRes); err == nil {
			f.Body = rendered
		} else {
			logging.Warn().Str("source", f.Name).Err(err).Msg("cursor body not advanced")
		}
	}
}

// BumpURLDate finds a date in the stored URL with pattern (whose first group
// is the date), parses it with layout and stores it shifted by delta.
// Adapters use this to skip the boundary record on the next tick.
func (f *Fetcher) BumpURLDate(pattern *regexp.Regexp, layout string, delta time.Duration) {
	m := pattern.FindStringSubmatch(f.URL)
	if len(m) < 2 {
		logging.Error().Str("source", f.Name).Msg("no date filter found in URL to bump")
		return
	}
	parsed, err := time.Parse(layout, m[1])
	if err != nil {
		logging.Error().Str("source", f.Name).Str("date", m[1]).Msg("failed to parse date filter in URL")
		return
	}
	f.URL = strings.Replace(f.URL, m[1], parsed.Add(delta).UTC().Format(layout), 1)
}

// SetBodyField re-encodes the stored JSON body with one field replaced.
// Adapters use it to pin a timestamp cursor inside the body.
func (f *Fetcher) SetBodyField(key string, value any) error {
	var body map[string]any
	if f.Body == "" {
		body = make(map[string]any, 1)
	} else if err := json.Unmarshal([]byte(f.Body), &body); err != nil {
		return fmt.Errorf("source %s body is not a JSON object: %w", f.Name, err)
	}
	body[key] = value
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	f.Body = string(encoded)
	return nil
}

// BodyField reads one top-level field from the stored JSON body.
func (f *Fetcher) BodyField(key string) (any, bool) {
	var body map[string]any
	if err := json.Unmarshal([]byte(f.Body), &body); err != nil {
		return nil, false
	}
	v, ok := body[key]
	return v, ok
}

// formatBody canonicalizes structured bodies to their JSON string form.
func formatBody(body any) (string, error) {
	switch typed := body.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", fmt.Errorf("encode request body: %w", err)
		}
		return string(encoded), nil
	}
}
