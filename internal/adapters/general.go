// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"fmt"

	"github.com/tomtom215/skimmer/internal/fetcher"
)

// StopConfig is the manifest shape of a pagination stop predicate.
type StopConfig struct {
	Field     string `koanf:"field" validate:"required"`
	Condition string `koanf:"condition" validate:"required,oneof=empty equals contains"`
	Value     string `koanf:"value"`
}

// PaginationConfig is the manifest shape of the pagination settings.
type PaginationConfig struct {
	Type           string            `koanf:"type" validate:"required,oneof=url body headers"`
	URLFormat      string            `koanf:"url_format"`
	BodyFormat     any               `koanf:"body_format"`
	HeadersFormat  map[string]string `koanf:"headers_format"`
	UpdateFirstURL bool              `koanf:"update_first_url"`
	StopIndication *StopConfig       `koanf:"stop_indication"`
	MaxCalls       int               `koanf:"max_calls"`
}

// Build compiles the manifest pagination block into engine settings.
func (p *PaginationConfig) Build() (*fetcher.PaginationSettings, error) {
	if p == nil {
		return nil, nil
	}

	settings := &fetcher.PaginationSettings{
		Kind:           fetcher.PaginationKind(p.Type),
		UpdateFirstURL: p.UpdateFirstURL,
		MaxCalls:       p.MaxCalls,
	}

	switch settings.Kind {
	case fetcher.PaginateURL:
		if p.URLFormat == "" {
			return nil, fmt.Errorf("pagination type url requires url_format")
		}
		settings.URLTemplate = compileTemplate(p.URLFormat)
	case fetcher.PaginateBody:
		if p.BodyFormat == nil {
			return nil, fmt.Errorf("pagination type body requires body_format")
		}
		tmpl, err := structuredTemplate(p.BodyFormat)
		if err != nil {
			return nil, err
		}
		settings.BodyTemplate = tmpl
	case fetcher.PaginateHeaders:
		if len(p.HeadersFormat) == 0 {
			return nil, fmt.Errorf("pagination type headers requires headers_format")
		}
		settings.HeaderTemplates = compileHeaderTemplates(p.HeadersFormat)
	default:
		return nil, fmt.Errorf("unknown pagination type %q", p.Type)
	}

	if p.StopIndication != nil {
		stop, err := fetcher.NewStopPredicate(
			p.StopIndication.Field,
			fetcher.StopCondition(p.StopIndication.Condition),
			p.StopIndication.Value,
		)
		if err != nil {
			return nil, err
		}
		settings.Stop = stop
	}
	return settings, nil
}

// GeneralConfig is the manifest shape of a plain declarative source: the
// engine's full surface with no vendor literals.
type GeneralConfig struct {
	DataRequest `koanf:",squash"`

	Pagination *PaginationConfig `koanf:"pagination"`

	// WrapResponseAsRecord governs the no-data-path object case. Nil means
	// true.
	WrapResponseAsRecord *bool `koanf:"wrap_response_as_record"`
}

// NewGeneral builds a fetcher straight from a declarative manifest entry.
func NewGeneral(cfg GeneralConfig) (*fetcher.Fetcher, error) {
	engineCfg := cfg.baseConfig()
	if cfg.WrapResponseAsRecord != nil {
		engineCfg.WrapResponseAsRecord = *cfg.WrapResponseAsRecord
	}

	pagination, err := cfg.Pagination.Build()
	if err != nil {
		return nil, err
	}
	engineCfg.Pagination = pagination

	return fetcher.New(engineCfg)
}

// TokenRequestConfig is the manifest shape of a token acquisition call.
type TokenRequestConfig struct {
	URL     string            `koanf:"url" validate:"required"`
	Method  string            `koanf:"method"`
	Headers map[string]string `koanf:"headers"`
	Body    any               `koanf:"body"`

	// ResponseTokenPath/ResponseExpiresPath locate the access token and its
	// lifetime in the token response. Defaults: access_token, expires_in.
	ResponseTokenPath   string `koanf:"response_token_path"`
	ResponseExpiresPath string `koanf:"response_expires_path"`
}

// OAuthConfig is the manifest shape of a generic OAuth-bound source: a token
// request plus a data request.
type OAuthConfig struct {
	TokenRequest TokenRequestConfig `koanf:"token_request"`
	DataRequest  GeneralConfig      `koanf:"data_request"`
}

// NewOAuth builds a generic OAuth-bound fetcher.
func NewOAuth(cfg OAuthConfig) (*fetcher.Fetcher, error) {
	if cfg.TokenRequest.URL == "" {
		return nil, fmt.Errorf("oauth requires token_request.url")
	}

	token, err := fetcher.NewTokenSource(fetcher.TokenConfig{
		Name:        cfg.DataRequest.Name,
		Method:      cfg.TokenRequest.Method,
		URL:         cfg.TokenRequest.URL,
		Headers:     cfg.TokenRequest.Headers,
		Body:        cfg.TokenRequest.Body,
		TokenPath:   cfg.TokenRequest.ResponseTokenPath,
		ExpiresPath: cfg.TokenRequest.ResponseExpiresPath,
	})
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.DataRequest.baseConfig()
	if cfg.DataRequest.WrapResponseAsRecord != nil {
		engineCfg.WrapResponseAsRecord = *cfg.DataRequest.WrapResponseAsRecord
	}
	pagination, err := cfg.DataRequest.Pagination.Build()
	if err != nil {
		return nil, err
	}
	engineCfg.Pagination = pagination
	engineCfg.Token = token

	return fetcher.New(engineCfg)
}
