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

// dateFromEndRe finds the date filter value at the end of an Azure Graph URL.
var dateFromEndRe = regexp.MustCompile(`(\S+)$`)

// defaultGraphScope is the Microsoft Graph OAuth scope.
const defaultGraphScope = "https://graph.microsoft.com/.default"

// AzureConfig holds the Azure AD app registration shared by the Azure
// adapters, plus the data request they specialize.
type AzureConfig struct {
	TenantID    string `koanf:"azure_ad_tenant_id"`
	ClientID    string `koanf:"azure_ad_client_id"`
	SecretValue string `koanf:"azure_ad_secret_value"`
	Scope       string `koanf:"scope"`

	// DaysBackFetch seeds the first date filter. Default 1.
	DaysBackFetch int `koanf:"days_back_fetch"`

	// DateFilterKey names the date field Azure Graph filters on. Default
	// createdDateTime. Mail Reports ignores it and uses its own
	// start_date_filter_key / end_date_filter_key.
	DateFilterKey string `koanf:"date_filter_key"`

	// AdvanceOnEmpty keeps bumping the stored date by one second even on
	// ticks that emitted nothing.
	AdvanceOnEmpty bool `koanf:"advance_on_empty"`

	DataRequest DataRequest `koanf:"data_request"`
}

// azureTokenConfig builds the client-credentials token call against the
// tenant's login endpoint.
func azureTokenConfig(cfg AzureConfig, name string) fetcher.TokenConfig {
	scope := cfg.Scope
	if scope == "" {
		scope = defaultGraphScope
	}
	return fetcher.TokenConfig{
		Name:   name,
		Method: "POST",
		URL:    fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
		Body: fmt.Sprintf("client_id=%s&scope=%s&client_secret=%s&grant_type=client_credentials",
			cfg.ClientID, scope, cfg.SecretValue),
	}
}

// NewAzureGraph builds a fetcher for the Microsoft Graph audit APIs.
//
// The first URL carries "?$filter=<dateKey> gt <since>"; next_url rewrites
// the trailing date from the newest record ({res.value.[0].<dateKey>}), and
// after any tick that emitted records the stored date moves one second
// forward so the boundary record is not delivered twice.
func NewAzureGraph(cfg AzureConfig) (*fetcher.Fetcher, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.SecretValue == "" {
		return nil, fmt.Errorf("azure_graph requires azure_ad_tenant_id, azure_ad_client_id and azure_ad_secret_value")
	}
	dateKey := cfg.DateFilterKey
	if dateKey == "" {
		dateKey = "createdDateTime"
	}
	// The Graph cursor scheme needs a date filter, so days_back cannot be
	// disabled here.
	daysBack := cfg.DaysBackFetch
	if daysBack <= 0 {
		daysBack = 1
	}

	token, err := fetcher.NewTokenSource(azureTokenConfig(cfg, cfg.DataRequest.Name))
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.DataRequest.baseConfig()
	baseURL := engineCfg.URL
	engineCfg.URL = fmt.Sprintf("%s?$filter=%s gt %s",
		baseURL, dateKey, startFetchDate(daysBack, dateLayout, time.Now))
	engineCfg.NextURL = fmt.Sprintf("%s?$filter=%s gt {res.value.[0].%s}", baseURL, dateKey, dateKey)
	engineCfg.ResponseDataPath = "value"
	engineCfg.Token = token

	stop, err := fetcher.NewStopPredicate("value", fetcher.StopEmpty, "")
	if err != nil {
		return nil, err
	}
	engineCfg.Pagination = &fetcher.PaginationSettings{
		Kind:        fetcher.PaginateURL,
		URLTemplate: compileTemplate(`{res.@odata\.nextLink}`),
		Stop:        stop,
	}

	f, err := fetcher.New(engineCfg)
	if err != nil {
		return nil, err
	}

	advanceOnEmpty := cfg.AdvanceOnEmpty
	f.Hooks.AfterTick = func(f *fetcher.Fetcher, records []any) {
		if len(records) > 0 || advanceOnEmpty {
			f.BumpURLDate(dateFromEndRe, dateLayout, time.Second)
		}
	}
	return f, nil
}

// AzureMailReportsConfig extends the shared Azure config with the second
// date key the Mail Reports API filters on.
type AzureMailReportsConfig struct {
	AzureConfig `koanf:",squash"`

	StartDateFilterKey string `koanf:"start_date_filter_key"`
	EndDateFilterKey   string `koanf:"end_date_filter_key"`
}

// nowDateToken is the placeholder the Mail Reports URL keeps for "the moment
// this request is sent". BeforeCall rewrites it on every tick.
const nowDateToken = "NOW_DATE"

// NewAzureMailReports builds a fetcher for the Office 365 mail reports API.
//
// Its URL carries both a start and an end date literal. The end date is the
// NOW_DATE placeholder rewritten to the current UTC instant before each call;
// next_url shifts the window forward by substituting the newest record's
// EndDate as the next start.
func NewAzureMailReports(cfg AzureMailReportsConfig) (*fetcher.Fetcher, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.SecretValue == "" {
		return nil, fmt.Errorf("azure_mail_reports requires azure_ad_tenant_id, azure_ad_client_id and azure_ad_secret_value")
	}
	startKey := cfg.StartDateFilterKey
	if startKey == "" {
		startKey = "StartDate"
	}
	endKey := cfg.EndDateFilterKey
	if endKey == "" {
		endKey = "EndDate"
	}
	daysBack := cfg.DaysBackFetch
	if daysBack <= 0 {
		daysBack = 1
	}

	token, err := fetcher.NewTokenSource(azureTokenConfig(cfg.AzureConfig, cfg.DataRequest.Name))
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.DataRequest.baseConfig()
	baseURL := engineCfg.URL
	nextURL := fmt.Sprintf("%s?$filter=%s eq datetime '{res.d.results.[0].%s}' and %s eq datetime '%s'",
		baseURL, startKey, endKey, endKey, nowDateToken)
	engineCfg.NextURL = nextURL
	engineCfg.URL = strings.Replace(nextURL,
		fmt.Sprintf("{res.d.results.[0].%s}", endKey),
		startFetchDate(daysBack, dateLayout, time.Now), 1)
	engineCfg.ResponseDataPath = "d.results"
	engineCfg.Token = token

	stop, err := fetcher.NewStopPredicate("d.results", fetcher.StopEmpty, "")
	if err != nil {
		return nil, err
	}
	engineCfg.Pagination = &fetcher.PaginationSettings{
		Kind:        fetcher.PaginateURL,
		URLTemplate: compileTemplate(`{res.d.@odata\.nextLink}`),
		Stop:        stop,
	}

	f, err := fetcher.New(engineCfg)
	if err != nil {
		return nil, err
	}

	// A tick that does not advance the cursor leaves the pinned URL behind;
	// restore its NOW_DATE form so the window end moves with every tick.
	var unpinnedURL, pinnedURL string
	f.Hooks.BeforeCall = func(f *fetcher.Fetcher) error {
		if unpinnedURL != "" && f.URL == pinnedURL {
			f.URL = unpinnedURL
		}
		if strings.Contains(f.URL, nowDateToken) {
			unpinnedURL = f.URL
			f.URL = strings.ReplaceAll(f.URL, nowDateToken, time.Now().UTC().Format(dateLayout))
			pinnedURL = f.URL
		}
		return nil
	}
	return f, nil
}
