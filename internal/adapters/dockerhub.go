// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package adapters

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/logging"
)

// dockerHubLoginURL exchanges username/password for a short-lived JWT.
const dockerHubLoginURL = "https://hub.docker.com/v2/users/login"

// DockerHubConfig configures the DockerHub audit-events adapter.
type DockerHubConfig struct {
	User  string `koanf:"dockerhub_user"`
	Token string `koanf:"dockerhub_token"`

	// DaysBackFetch seeds a from= filter on the first request.
	DaysBackFetch int `koanf:"days_back_fetch"`

	// PageSize is the number of events per page. Default 100.
	PageSize int `koanf:"page_size"`

	DataRequest DataRequest `koanf:"data_request"`
}

// dockerHubAuth keeps the hub JWT for the process lifetime, re-logging in
// when the token's own exp claim says it is stale or the API answers 401.
type dockerHubAuth struct {
	loginURL string
	user     string
	password string

	jwtToken  string
	jwtExpiry time.Time

	httpc *http.Client
	now   func() time.Time
}

// ensure logs in when no usable JWT is cached and installs the bearer header.
func (a *dockerHubAuth) ensure(f *fetcher.Fetcher) error {
	if a.jwtToken == "" || (!a.jwtExpiry.IsZero() && a.now().Add(time.Minute).After(a.jwtExpiry)) {
		if err := a.login(); err != nil {
			return err
		}
	}
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers["Authorization"] = "Bearer " + a.jwtToken
	return nil
}

func (a *dockerHubAuth) login() error {
	payload, err := json.Marshal(map[string]string{"username": a.user, "password": a.password})
	if err != nil {
		return err
	}

	resp, err := a.httpc.Post(a.loginURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dockerhub login: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dockerhub login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &fetcher.HTTPError{Status: resp.StatusCode, Body: "dockerhub login rejected"}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Token == "" {
		return fmt.Errorf("dockerhub login response has no token")
	}

	a.jwtToken = body.Token
	a.jwtExpiry = jwtExpiry(body.Token)
	logging.Debug().Time("expiry", a.jwtExpiry).Msg("dockerhub JWT acquired")
	return nil
}

// jwtExpiry reads the exp claim without verifying the signature; we only
// need it to know when to log in again. A token without a readable claim
// simply stays cached until a 401 forces re-login.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// NewDockerHub builds a fetcher for the DockerHub audit-logs API.
func NewDockerHub(cfg DockerHubConfig) (*fetcher.Fetcher, error) {
	if cfg.User == "" || cfg.Token == "" {
		return nil, fmt.Errorf("dockerhub requires dockerhub_user and dockerhub_token")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	engineCfg := cfg.DataRequest.baseConfig()
	engineCfg.Headers = mergeHeaders(map[string]string{"Content-Type": "application/json"}, cfg.DataRequest.Headers)
	engineCfg.ResponseDataPath = "logs"

	params := fmt.Sprintf("page_size=%d", pageSize)
	if from := startFetchDate(cfg.DaysBackFetch, dateLayoutMicros, time.Now); from != "" {
		params += "&from=" + from
	}
	engineCfg.URL = appendQuery(engineCfg.URL, params)

	f, err := fetcher.New(engineCfg)
	if err != nil {
		return nil, err
	}

	auth := &dockerHubAuth{
		loginURL: dockerHubLoginURL,
		user:     cfg.User,
		password: cfg.Token,
		httpc:    &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
	f.Hooks.BeforeCall = auth.ensure
	f.Hooks.OnAuthError = func(f *fetcher.Fetcher) bool {
		// The hub invalidated the JWT early; log in again and retry once.
		auth.jwtToken = ""
		if err := auth.ensure(f); err != nil {
			logging.Warn().Err(err).Msg("dockerhub re-login after 401 failed")
			return false
		}
		return true
	}
	return f, nil
}
