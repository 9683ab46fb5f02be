// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package config

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// captureSink is a fake listener that records decompressed NDJSON bulks.
type captureSink struct {
	*httptest.Server
	bulks  []string
	status int
}

func newCaptureSink(status int) *captureSink {
	s := &captureSink{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if zr, err := gzip.NewReader(r.Body); err == nil {
			payload, _ := io.ReadAll(zr)
			s.bulks = append(s.bulks, string(payload))
		}
		if s.status != 0 {
			w.WriteHeader(s.status)
		}
	}))
	return s
}

// TestManifestToSinksEndToEnd drives the full path: manifest → binding →
// tick with pagination → fan-out, including a broken first sink that must
// not suppress the second.
func TestManifestToSinksEndToEnd(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.RawQuery {
		case "":
			fmt.Fprint(w, `{"result":[{"msg":"a"},{"msg":"b"}],"page":1}`)
		case "page=2":
			fmt.Fprint(w, `{"result":[{"msg":"c"}],"page":2}`)
		default:
			fmt.Fprint(w, `{"result":[],"page":3}`)
		}
	}))
	defer api.Close()

	apiB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[{"msg":"from-b"}]}`)
	}))
	defer apiB.Close()

	brokenSink := newCaptureSink(http.StatusServiceUnavailable)
	defer brokenSink.Close()
	sharedSink := newCaptureSink(0)
	defer sharedSink.Close()

	manifest := fmt.Sprintf(`
logzio:
  - url: %s
    token: t1
    inputs: [sa]
  - url: %s
    token: t2
    inputs: [sa, sb]
apis:
  - type: general
    name: sa
    url: %s/api
    response_data_path: result
    additional_fields:
      team: payments
    pagination:
      type: url
      url_format: "?page={res.page+1}"
      update_first_url: true
      stop_indication:
        field: result
        condition: empty
  - type: general
    name: sb
    url: %s/api
    response_data_path: result
`, brokenSink.URL, sharedSink.URL, api.URL, apiB.URL)

	m := loadManifest(t, manifest)
	workers, err := Bind(m, true)
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("bound %d workers, want 2", len(workers))
	}

	ctx := context.Background()
	for _, w := range workers {
		// The broken sink exhausts its retries; that is a non-fatal tick.
		if err := w.RunTick(ctx); err != nil {
			t.Fatalf("RunTick(%s) error: %v", w.String(), err)
		}
	}

	// The shared sink got one bulk from each source.
	if len(sharedSink.bulks) != 2 {
		t.Fatalf("shared sink saw %d bulks, want 2", len(sharedSink.bulks))
	}
	saBulk := sharedSink.bulks[0]
	for _, want := range []string{`"msg":"a"`, `"msg":"b"`, `"msg":"c"`, `"team":"payments"`, `"type":"api-fetcher"`} {
		if !strings.Contains(saBulk, want) {
			t.Errorf("sa bulk missing %s: %q", want, saBulk)
		}
	}
	// Records arrive in page order within the bulk.
	if strings.Index(saBulk, `"msg":"a"`) > strings.Index(saBulk, `"msg":"c"`) {
		t.Errorf("records out of order in bulk: %q", saBulk)
	}
	if !strings.Contains(sharedSink.bulks[1], `"msg":"from-b"`) {
		t.Errorf("sb bulk wrong: %q", sharedSink.bulks[1])
	}
}
