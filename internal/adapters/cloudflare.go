// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tomtom215/skimmer/internal/fetcher"
)

// sinceFilterRe finds the since= date filter in a Cloudflare URL.
var sinceFilterRe = regexp.MustCompile(`since=([^&\s]+)`)

// CloudflareConfig configures the Cloudflare audit/security events adapter.
type CloudflareConfig struct {
	AccountID   string `koanf:"cloudflare_account_id"`
	BearerToken string `koanf:"cloudflare_bearer_token"`

	// PaginationOff disables the page-number pagination.
	PaginationOff bool `koanf:"pagination_off"`

	// DaysBackFetch seeds a since= filter on the first request. Negative or
	// zero leaves the URL unfiltered.
	DaysBackFetch int `koanf:"days_back_fetch"`

	AdvanceOnEmpty bool `koanf:"advance_on_empty"`

	DataRequest DataRequest `koanf:"data_request"`
}

// NewCloudflare builds a fetcher for the Cloudflare v4 APIs.
//
// Pagination appends ?page={res.result_info.page+1} to the tick's first URL,
// restating whatever filters that URL carries, and stops when the result
// array comes back empty. An optional since= filter holds the cursor date and
// moves one second past the newest delivery each tick.
func NewCloudflare(cfg CloudflareConfig) (*fetcher.Fetcher, error) {
	if cfg.AccountID == "" || cfg.BearerToken == "" {
		return nil, fmt.Errorf("cloudflare requires cloudflare_account_id and cloudflare_bearer_token")
	}

	engineCfg := cfg.DataRequest.baseConfig()
	engineCfg.Headers = mergeHeaders(map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + cfg.BearerToken,
	}, cfg.DataRequest.Headers)
	engineCfg.ResponseDataPath = "result"

	// The account id placeholder appears in both the data URL and next_url.
	engineCfg.URL = strings.ReplaceAll(engineCfg.URL, "{account_id}", cfg.AccountID)
	engineCfg.NextURL = strings.ReplaceAll(engineCfg.NextURL, "{account_id}", cfg.AccountID)

	if cfg.DaysBackFetch > 0 {
		engineCfg.URL = appendQuery(engineCfg.URL,
			"since="+startFetchDate(cfg.DaysBackFetch, dateLayout, time.Now))
	}

	if !cfg.PaginationOff {
		pageFragment := "?page={res.result_info.page+1}"
		if strings.Contains(engineCfg.URL, "?") {
			pageFragment = "&page={res.result_info.page+1}"
		}
		stop, err := fetcher.NewStopPredicate("result", fetcher.StopEmpty, "")
		if err != nil {
			return nil, err
		}
		engineCfg.Pagination = &fetcher.PaginationSettings{
			Kind:           fetcher.PaginateURL,
			URLTemplate:    compileTemplate(pageFragment),
			UpdateFirstURL: true,
			Stop:           stop,
		}
	}

	f, err := fetcher.New(engineCfg)
	if err != nil {
		return nil, err
	}

	advanceOnEmpty := cfg.AdvanceOnEmpty
	f.Hooks.AfterTick = func(f *fetcher.Fetcher, records []any) {
		if len(records) == 0 && !advanceOnEmpty {
			return
		}
		if sinceFilterRe.MatchString(f.URL) {
			f.BumpURLDate(sinceFilterRe, dateLayout, time.Second)
		}
	}
	return f, nil
}

// mergeHeaders overlays user headers on the adapter defaults.
func mergeHeaders(defaults, user map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(user))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range user {
		merged[k] = v
	}
	return merged
}
