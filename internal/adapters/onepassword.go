// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"fmt"
	"time"

	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/logging"
)

// OnePasswordConfig configures the 1Password Events API adapter.
type OnePasswordConfig struct {
	BearerToken string `koanf:"onepassword_bearer_token"`

	PaginationOff bool `koanf:"pagination_off"`

	// DaysBackFetch seeds the start_time body filter on the first request.
	DaysBackFetch int `koanf:"days_back_fetch"`

	// Limit is the events-per-request page size, 1..1000. Default 100.
	Limit int `koanf:"onepassword_limit"`

	DataRequest DataRequest `koanf:"data_request"`
}

// NewOnePassword builds a fetcher for the 1Password Events API.
//
// The cursor lives in the POST body: pagination follows the server cursor
// until has_more flips false, and after each tick start_time moves to the
// newest record's timestamp. 1Password orders newest last, so the bump reads
// the final record, not the first.
func NewOnePassword(cfg OnePasswordConfig) (*fetcher.Fetcher, error) {
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("onepassword requires onepassword_bearer_token")
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		return nil, fmt.Errorf("onepassword_limit must be between 1 and 1000, got %d", limit)
	}

	engineCfg := cfg.DataRequest.baseConfig()
	engineCfg.Method = "POST"
	engineCfg.Headers = mergeHeaders(map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + cfg.BearerToken,
	}, cfg.DataRequest.Headers)
	engineCfg.ResponseDataPath = "items"

	body := map[string]any{"limit": limit}
	if from := startFetchDate(cfg.DaysBackFetch, dateLayoutMicros, time.Now); from != "" {
		body["start_time"] = from
	}
	engineCfg.Body = body

	if !cfg.PaginationOff {
		stop, err := fetcher.NewStopPredicate("has_more", fetcher.StopEquals, "false")
		if err != nil {
			return nil, err
		}
		bodyTmpl, err := structuredTemplate(map[string]any{"cursor": "{res.cursor}"})
		if err != nil {
			return nil, err
		}
		engineCfg.Pagination = &fetcher.PaginationSettings{
			Kind:         fetcher.PaginateBody,
			BodyTemplate: bodyTmpl,
			Stop:         stop,
		}
	}

	f, err := fetcher.New(engineCfg)
	if err != nil {
		return nil, err
	}

	f.Hooks.AfterTick = bumpStartTimeFromLastRecord("timestamp")
	return f, nil
}

// bumpStartTimeFromLastRecord returns an AfterTick hook that pins the body's
// start_time to the newest emitted record's timestamp field.
func bumpStartTimeFromLastRecord(timestampField string) func(*fetcher.Fetcher, []any) {
	return func(f *fetcher.Fetcher, records []any) {
		if len(records) == 0 {
			return
		}
		last, ok := records[len(records)-1].(map[string]any)
		if !ok {
			return
		}
		ts, ok := last[timestampField]
		if !ok || ts == nil {
			logging.Warn().Str("source", f.Name).Msg("newest record has no timestamp, start_time not advanced")
			return
		}
		if err := f.SetBodyField("start_time", ts); err != nil {
			logging.Warn().Str("source", f.Name).Err(err).Msg("failed to advance start_time")
		}
	}
}
