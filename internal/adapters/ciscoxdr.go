// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"encoding/base64"
	"fmt"

	"github.com/tomtom215/skimmer/internal/fetcher"
)

// ciscoXDRTokenURL is the XDR OAuth2 client-credentials endpoint.
const ciscoXDRTokenURL = "https://visibility.amp.cisco.com/iroh/oauth2/token"

// CiscoXDRConfig configures the Cisco XDR adapter.
type CiscoXDRConfig struct {
	ClientID       string `koanf:"cisco_client_id"`
	ClientPassword string `koanf:"client_password"`

	DataRequest DataRequest `koanf:"data_request"`
}

// NewCiscoXDR builds a fetcher for the Cisco XDR APIs: OAuth2
// client-credentials with HTTP Basic at the token endpoint, JSON content
// headers pre-populated on the data request.
func NewCiscoXDR(cfg CiscoXDRConfig) (*fetcher.Fetcher, error) {
	if cfg.ClientID == "" || cfg.ClientPassword == "" {
		return nil, fmt.Errorf("cisco_xdr requires cisco_client_id and client_password")
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientPassword))
	token, err := fetcher.NewTokenSource(fetcher.TokenConfig{
		Name:   cfg.DataRequest.Name,
		Method: "POST",
		URL:    ciscoXDRTokenURL,
		Headers: map[string]string{
			"Content-Type":  "application/x-www-form-urlencoded",
			"Accept":        "application/json",
			"Authorization": "Basic " + credentials,
		},
		Body: "grant_type=client_credentials",
	})
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.DataRequest.baseConfig()
	engineCfg.Headers = mergeHeaders(map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}, cfg.DataRequest.Headers)
	engineCfg.Token = token

	return fetcher.New(engineCfg)
}
