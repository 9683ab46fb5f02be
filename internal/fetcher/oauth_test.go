// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnsureFreshRefreshesOnExpiry(t *testing.T) {
	var issued atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := issued.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	}))
	defer tokenServer.Close()

	ts, err := NewTokenSource(TokenConfig{Name: "svc", URL: tokenServer.URL})
	if err != nil {
		t.Fatalf("NewTokenSource() error: %v", err)
	}

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return clock }

	tok, err := ts.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q, want tok-1", tok)
	}

	// Well within the lifetime: cached token reused, no second fetch.
	clock = clock.Add(30 * time.Minute)
	tok, err = ts.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error: %v", err)
	}
	if tok != "tok-1" || issued.Load() != 1 {
		t.Fatalf("token = %q after %d issues, want cached tok-1", tok, issued.Load())
	}

	// Within the 60s skew of expiry: refresh required.
	clock = clock.Add(30*time.Minute - 30*time.Second)
	tok, err = ts.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q, want refreshed tok-2", tok)
	}
}

func TestOAuthBoundTickSendsBearer(t *testing.T) {
	// Scenario: token A at t=0 with a 1s lifetime; the next tick is past the
	// skew window and must fetch token B before calling the data endpoint.
	var issued atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := []string{"A", "B"}
		n := issued.Add(1)
		fmt.Fprintf(w, `{"access_token":"%s","expires_in":1}`, tokens[n-1])
	}))
	defer tokenServer.Close()

	var seenAuth []string
	dataServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"events":[{"id":1}]}`)
	}))
	defer dataServer.Close()

	token, err := NewTokenSource(TokenConfig{Name: "oauth", URL: tokenServer.URL, Body: "grant_type=client_credentials"})
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	token.now = func() time.Time { return clock }

	f := mustNew(t, Config{
		Name:             "oauth",
		URL:              dataServer.URL + "/events",
		ResponseDataPath: "events",
		Token:            token,
	})

	if _, err := f.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick() error: %v", err)
	}
	clock = clock.Add(2 * time.Second)
	if _, err := f.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error: %v", err)
	}

	if len(seenAuth) != 2 {
		t.Fatalf("data endpoint saw %d calls, want 2", len(seenAuth))
	}
	if seenAuth[0] != "Bearer A" {
		t.Errorf("first call Authorization = %q, want Bearer A", seenAuth[0])
	}
	if seenAuth[1] != "Bearer B" {
		t.Errorf("second call Authorization = %q, want Bearer B", seenAuth[1])
	}
}

func TestEnsureFreshKeepsCachedTokenOnFailure(t *testing.T) {
	var fail atomic.Bool
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"access_token":"keep-me","expires_in":1}`)
	}))
	defer tokenServer.Close()

	ts, err := NewTokenSource(TokenConfig{Name: "flaky", URL: tokenServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return clock }

	if _, err := ts.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh() error: %v", err)
	}

	fail.Store(true)
	clock = clock.Add(time.Minute)
	if _, err := ts.EnsureFresh(context.Background()); err == nil {
		t.Fatal("EnsureFresh() expected error while endpoint is down")
	}
	// The stale token stays cached; it may still work server-side.
	if ts.token != "keep-me" {
		t.Errorf("cached token lost on refresh failure: %q", ts.token)
	}
}

func TestTokenResponsePaths(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"jwt":"nested-token","ttl":"7200"}}`)
	}))
	defer tokenServer.Close()

	ts, err := NewTokenSource(TokenConfig{
		Name:        "custom",
		URL:         tokenServer.URL,
		TokenPath:   "data.jwt",
		ExpiresPath: "data.ttl",
	})
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return clock }

	tok, err := ts.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error: %v", err)
	}
	if tok != "nested-token" {
		t.Errorf("token = %q", tok)
	}
	if want := clock.Add(7200 * time.Second); !ts.expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", ts.expiry, want)
	}
}
