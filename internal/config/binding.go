// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package config

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/skimmer/internal/adapters"
	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/scheduler"
	"github.com/tomtom215/skimmer/internal/shipper"
)

// validate runs the struct-tag checks on decoded manifest entries.
var validate = validator.New(validator.WithRequiredStructEnabled())

// sourceEntry is the type-independent slice of one apis[] entry, read first
// to dispatch on the adapter type.
type sourceEntry struct {
	Type   string `koanf:"type" validate:"required"`
	Name   string `koanf:"name"`
	Method string `koanf:"method" validate:"omitempty,oneof=GET POST"`

	ScrapeInterval int `koanf:"scrape_interval" validate:"omitempty,gte=1"`
}

// Bind validates the manifest and constructs one worker per valid source,
// wiring each worker's private sink instances. Invalid entries are skipped
// with a descriptive error; an error is returned only when nothing valid
// remains.
func Bind(k *koanf.Koanf, testRun bool) ([]*scheduler.Worker, error) {
	sinkDefs, err := sinkManifests(k)
	if err != nil {
		return nil, err
	}

	entries := k.Slices("apis")
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest has no apis entries")
	}

	var workers []*scheduler.Worker
	for i, entry := range entries {
		source, err := buildSource(entry)
		if err != nil {
			logging.Error().Int("entry", i).Err(err).Msg("skipping invalid source entry")
			continue
		}

		sinks, err := bindSinks(source.Name, sinkDefs)
		if err != nil {
			logging.Error().Str("source", source.Name).Err(err).Msg("skipping source with invalid outputs")
			continue
		}
		if len(sinks) == 0 {
			logging.Error().Str("source", source.Name).Msg("skipping source bound to no output")
			continue
		}

		workers = append(workers, scheduler.NewWorker(source, sinks, testRun))
		logging.Info().
			Str("source", source.Name).
			Int("sinks", len(sinks)).
			Dur("interval", source.ScrapeInterval).
			Msg("source configured")
	}

	if len(workers) == 0 {
		return nil, fmt.Errorf("no valid sources in manifest")
	}
	return workers, nil
}

// buildSource dispatches one apis[] entry to its adapter constructor.
func buildSource(entry *koanf.Koanf) (*fetcher.Fetcher, error) {
	var head sourceEntry
	if err := entry.Unmarshal("", &head); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if err := validate.Struct(head); err != nil {
		return nil, fmt.Errorf("invalid entry: %w", err)
	}

	switch head.Type {
	case "general":
		var cfg adapters.GeneralConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode general entry: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("general entry requires url")
		}
		return adapters.NewGeneral(cfg)

	case "oauth":
		var cfg adapters.OAuthConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode oauth entry: %w", err)
		}
		return adapters.NewOAuth(cfg)

	case "azure_graph":
		var cfg adapters.AzureConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode azure_graph entry: %w", err)
		}
		return adapters.NewAzureGraph(cfg)

	case "azure_mail_reports":
		var cfg adapters.AzureMailReportsConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode azure_mail_reports entry: %w", err)
		}
		return adapters.NewAzureMailReports(cfg)

	case "cloudflare":
		var cfg adapters.CloudflareConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode cloudflare entry: %w", err)
		}
		return adapters.NewCloudflare(cfg)

	case "dockerhub":
		var cfg adapters.DockerHubConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode dockerhub entry: %w", err)
		}
		return adapters.NewDockerHub(cfg)

	case "onepassword":
		var cfg adapters.OnePasswordConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode onepassword entry: %w", err)
		}
		return adapters.NewOnePassword(cfg)

	case "google_workspace":
		var cfg adapters.GoogleWorkspaceConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode google_workspace entry: %w", err)
		}
		return adapters.NewGoogleWorkspace(cfg)

	case "cisco_xdr":
		var cfg adapters.CiscoXDRConfig
		if err := entry.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("decode cisco_xdr entry: %w", err)
		}
		return adapters.NewCiscoXDR(cfg)

	default:
		return nil, fmt.Errorf("unknown source type %q", head.Type)
	}
}

// sinkManifests reads the logzio section: either a single output for all
// sources or a list of outputs with explicit inputs.
func sinkManifests(k *koanf.Koanf) ([]SinkManifest, error) {
	raw := k.Get("logzio")
	if raw == nil {
		return nil, fmt.Errorf("manifest has no logzio output section")
	}

	if _, isList := raw.([]any); isList {
		var defs []SinkManifest
		for i, sub := range k.Slices("logzio") {
			var def SinkManifest
			if err := sub.Unmarshal("", &def); err != nil {
				return nil, fmt.Errorf("decode logzio[%d]: %w", i, err)
			}
			if err := validate.Struct(def); err != nil {
				return nil, fmt.Errorf("logzio[%d]: %w", i, err)
			}
			if len(def.Inputs) == 0 {
				return nil, fmt.Errorf("logzio[%d]: list outputs must declare inputs", i)
			}
			defs = append(defs, def)
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("logzio output list is empty")
		}
		return defs, nil
	}

	var def SinkManifest
	if err := k.Unmarshal("logzio", &def); err != nil {
		return nil, fmt.Errorf("decode logzio section: %w", err)
	}
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("logzio section: %w", err)
	}
	def.Inputs = nil // a single output receives every source
	return []SinkManifest{def}, nil
}

// bindSinks creates the source's private Shipper instances. Batches are
// confined to one worker, so sharing an instance across sources is never
// constructed in the first place.
func bindSinks(sourceName string, defs []SinkManifest) ([]*shipper.Shipper, error) {
	var sinks []*shipper.Shipper
	for _, def := range defs {
		if len(def.Inputs) > 0 && !slices.Contains(def.Inputs, sourceName) {
			continue
		}
		sink, err := shipper.New(shipper.Config{URL: def.URL, Token: def.Token})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
