// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package scheduler

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/skimmer/internal/fetcher"
	"github.com/tomtom215/skimmer/internal/shipper"
)

// fakeSink captures decompressed bulks, optionally failing with a status.
type fakeSink struct {
	*httptest.Server
	bulks  []string
	status int
}

func newFakeSink(status int) *fakeSink {
	s := &fakeSink{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zr, err := gzip.NewReader(r.Body)
		if err == nil {
			payload, _ := io.ReadAll(zr)
			s.bulks = append(s.bulks, string(payload))
		}
		if s.status != 0 {
			w.WriteHeader(s.status)
		}
	}))
	return s
}

func newAPIServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
}

func newSource(t *testing.T, url, name string) *fetcher.Fetcher {
	t.Helper()
	f, err := fetcher.New(fetcher.Config{
		Name:             name,
		URL:              url,
		ResponseDataPath: "result",
		ScrapeInterval:   time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newSink(t *testing.T, url, name string) *shipper.Shipper {
	t.Helper()
	s, err := shipper.New(shipper.Config{Name: name, URL: url, Token: "tok", RetryInitial: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunTickDeliversToAllSinks(t *testing.T) {
	api := newAPIServer(`{"result":[{"msg":"a"},{"msg":"b"}]}`)
	defer api.Close()
	sink1 := newFakeSink(0)
	defer sink1.Close()
	sink2 := newFakeSink(0)
	defer sink2.Close()

	w := NewWorker(
		newSource(t, api.URL, "sa"),
		[]*shipper.Shipper{newSink(t, sink1.URL, "s1"), newSink(t, sink2.URL, "s2")},
		false,
	)
	if err := w.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() error: %v", err)
	}

	for i, sink := range []*fakeSink{sink1, sink2} {
		if len(sink.bulks) != 1 {
			t.Fatalf("sink %d saw %d bulks, want 1", i+1, len(sink.bulks))
		}
		if !strings.Contains(sink.bulks[0], `"msg":"a"`) || !strings.Contains(sink.bulks[0], `"msg":"b"`) {
			t.Errorf("sink %d bulk incomplete: %q", i+1, sink.bulks[0])
		}
	}
}

func TestRunTickSinkFailureDoesNotSuppressOthers(t *testing.T) {
	api := newAPIServer(`{"result":[{"msg":"x"}]}`)
	defer api.Close()
	// S1 answers 500 until retries exhaust; S2 is healthy.
	broken := newFakeSink(http.StatusInternalServerError)
	defer broken.Close()
	healthy := newFakeSink(0)
	defer healthy.Close()

	s1 := newSink(t, broken.URL, "s1")
	s2 := newSink(t, healthy.URL, "s2")

	w := NewWorker(newSource(t, api.URL, "sa"), []*shipper.Shipper{s1, s2}, false)
	if err := w.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick() should swallow transient sink failure: %v", err)
	}

	if len(healthy.bulks) != 1 {
		t.Errorf("healthy sink saw %d bulks, want 1", len(healthy.bulks))
	}
}

func TestRunTickFatalSinkEscalates(t *testing.T) {
	api := newAPIServer(`{"result":[{"msg":"x"}]}`)
	defer api.Close()
	unauthorized := newFakeSink(http.StatusUnauthorized)
	defer unauthorized.Close()
	healthy := newFakeSink(0)
	defer healthy.Close()

	w := NewWorker(
		newSource(t, api.URL, "sa"),
		[]*shipper.Shipper{newSink(t, unauthorized.URL, "bad"), newSink(t, healthy.URL, "good")},
		false,
	)

	err := w.RunTick(context.Background())
	if !errors.Is(err, ErrFatalShipping) {
		t.Fatalf("RunTick() err = %v, want ErrFatalShipping", err)
	}
	// The healthy sink still got its delivery before escalation.
	if len(healthy.bulks) != 1 {
		t.Errorf("healthy sink saw %d bulks, want 1", len(healthy.bulks))
	}
}

func TestRunTickFetchErrorIsNonFatal(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer api.Close()
	sink := newFakeSink(0)
	defer sink.Close()

	w := NewWorker(newSource(t, api.URL, "sa"), []*shipper.Shipper{newSink(t, sink.URL, "s")}, false)
	err := w.RunTick(context.Background())
	if err == nil {
		t.Fatal("RunTick() expected fetch error")
	}
	if errors.Is(err, ErrFatalShipping) {
		t.Error("fetch error wrongly classified as fatal shipping")
	}
	if len(sink.bulks) != 0 {
		t.Errorf("sink saw %d bulks for a failed fetch", len(sink.bulks))
	}
}

func TestServeTestRunExitsAfterOneTick(t *testing.T) {
	api := newAPIServer(`{"result":[{"msg":"once"}]}`)
	defer api.Close()
	sink := newFakeSink(0)
	defer sink.Close()

	w := NewWorker(newSource(t, api.URL, "sa"), []*shipper.Shipper{newSink(t, sink.URL, "s")}, true)

	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrDoNotRestart) {
			t.Errorf("Serve() err = %v, want ErrDoNotRestart", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("test-run worker did not exit after one tick")
	}
	if len(sink.bulks) != 1 {
		t.Errorf("sink saw %d bulks, want 1", len(sink.bulks))
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	api := newAPIServer(`{"result":[]}`)
	defer api.Close()

	w := NewWorker(newSource(t, api.URL, "sa"), nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	// Let the first tick complete, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestWorkerIndependence(t *testing.T) {
	// A source whose ticks always fail must not stop a healthy source.
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusBadRequest)
	}))
	defer failing.Close()
	api := newAPIServer(`{"result":[{"msg":"fine"}]}`)
	defer api.Close()
	sink := newFakeSink(0)
	defer sink.Close()

	bad := NewWorker(newSource(t, failing.URL, "bad"), nil, true)
	good := NewWorker(newSource(t, api.URL, "good"), []*shipper.Shipper{newSink(t, sink.URL, "s")}, true)

	tree := NewTree(DefaultTreeConfig())
	tree.AddWorker(bad)
	tree.AddWorker(good)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.After(4 * time.Second)
	for len(sink.bulks) == 0 {
		select {
		case <-deadline:
			t.Fatal("healthy worker never delivered while sibling failed")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
