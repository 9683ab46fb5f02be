// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"fmt"
	"time"

	"github.com/tomtom215/skimmer/internal/fetcher"
)

// googleTokenURL exchanges the long-lived refresh token for access tokens.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// GoogleWorkspaceConfig configures the Google Workspace activity adapter.
// It expects a pre-obtained OAuth refresh token; the interactive consent
// flow that produces one is a setup-time concern, not a daemon concern.
type GoogleWorkspaceConfig struct {
	ClientID     string `koanf:"google_ws_client_id"`
	ClientSecret string `koanf:"google_ws_client_secret"`
	RefreshToken string `koanf:"google_ws_refresh_token"`

	PaginationOff bool `koanf:"pagination_off"`

	// DaysBackFetch seeds the start_time body filter on the first request.
	DaysBackFetch int `koanf:"days_back_fetch"`

	// Limit is the events-per-request page size, 1..1000. Default 100.
	Limit int `koanf:"google_ws_limit"`

	DataRequest DataRequest `koanf:"data_request"`
}

// NewGoogleWorkspace builds a fetcher for Google Workspace activity reports.
//
// Access tokens come from the refresh-token grant at Google's token endpoint
// and renew through the engine's token manager. The data call paginates
// through the body cursor until has_more flips false; start_time advances to
// the newest record's timestamp (ordered last) after each tick.
func NewGoogleWorkspace(cfg GoogleWorkspaceConfig) (*fetcher.Fetcher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("google_workspace requires google_ws_client_id, google_ws_client_secret and google_ws_refresh_token")
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		return nil, fmt.Errorf("google_ws_limit must be between 1 and 1000, got %d", limit)
	}

	token, err := fetcher.NewTokenSource(fetcher.TokenConfig{
		Name:   cfg.DataRequest.Name,
		Method: "POST",
		URL:    googleTokenURL,
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
		Body: fmt.Sprintf("client_id=%s&client_secret=%s&refresh_token=%s&grant_type=refresh_token",
			cfg.ClientID, cfg.ClientSecret, cfg.RefreshToken),
	})
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.DataRequest.baseConfig()
	engineCfg.Method = "POST"
	engineCfg.Headers = mergeHeaders(map[string]string{"Content-Type": "application/json"}, cfg.DataRequest.Headers)
	engineCfg.ResponseDataPath = "items"
	engineCfg.Token = token

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
