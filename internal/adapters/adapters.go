// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package adapters specializes the generic fetcher engine for concrete
// vendors. An adapter is a constructor: it pre-fills a fetcher.Config with
// the vendor's URL scheme, pagination dialect and cursor template, and hooks
// the thin per-call surface (BeforeCall / AfterTick / OnAuthError) for
// whatever bookkeeping the vendor needs. The engine itself never sees a
// vendor literal.
package adapters

import (
	"strings"
	"time"

	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/pathutil"
)

// dateLayout is the wire format of the date filters the adapters maintain.
const dateLayout = "2006-01-02T15:04:05Z"

// dateLayoutMicros is the higher-precision variant some vendors expect.
const dateLayoutMicros = "2006-01-02T15:04:05.000000Z"

// DataRequest carries the manifest fields every adapter shares for its data
// call. Vendor-specific knobs live on the per-vendor config structs.
type DataRequest struct {
	Name             string            `koanf:"name"`
	URL              string            `koanf:"url"`
	Method           string            `koanf:"method"`
	Headers          map[string]string `koanf:"headers"`
	Body             any               `koanf:"body"`
	NextURL          string            `koanf:"next_url"`
	NextBody         any               `koanf:"next_body"`
	ResponseDataPath string            `koanf:"response_data_path"`
	AdditionalFields map[string]any    `koanf:"additional_fields"`
	ScrapeIntervalM  int               `koanf:"scrape_interval"`
	MaxRate          float64           `koanf:"max_rate"`
}

// baseConfig translates the shared manifest fields into an engine config.
func (d DataRequest) baseConfig() fetcher.Config {
	return fetcher.Config{
		Name:                 d.Name,
		Method:               d.Method,
		URL:                  d.URL,
		Headers:              d.Headers,
		Body:                 d.Body,
		NextURL:              d.NextURL,
		NextBody:             d.NextBody,
		ResponseDataPath:     d.ResponseDataPath,
		WrapResponseAsRecord: true,
		AdditionalFields:     d.AdditionalFields,
		ScrapeInterval:       time.Duration(d.ScrapeIntervalM) * time.Minute,
		MaxRate:              d.MaxRate,
	}
}

// startFetchDate returns the initial "since" value: daysBack days before now,
// in the given layout. A non-positive daysBack disables the initial filter
// and returns "".
func startFetchDate(daysBack int, layout string, now func() time.Time) string {
	if daysBack <= 0 {
		return ""
	}
	return now().UTC().AddDate(0, 0, -daysBack).Format(layout)
}

// compileTemplate is a short alias for building pagination URL templates.
func compileTemplate(raw string) *pathutil.Template {
	return pathutil.CompileTemplate(raw)
}

// structuredTemplate compiles a structured body pagination template.
func structuredTemplate(v any) (*pathutil.Template, error) {
	return pathutil.CompileStructured(v)
}

// compileHeaderTemplates compiles per-header pagination templates.
func compileHeaderTemplates(headers map[string]string) map[string]*pathutil.Template {
	return pathutil.CompileMap(headers)
}

// appendQuery attaches a query fragment with the right separator.
func appendQuery(url, fragment string) string {
	if fragment == "" {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&" + fragment
	}
	return url + "?" + fragment
}
