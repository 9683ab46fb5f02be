// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/skimmer/internal/pathutil"
)

func decodeJSON(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return v
}

func TestNewStopPredicateValidation(t *testing.T) {
	tests := []struct {
		name      string
		condition StopCondition
		value     string
		wantErr   bool
	}{
		{name: "empty without value", condition: StopEmpty, wantErr: false},
		{name: "empty with value", condition: StopEmpty, value: "x", wantErr: true},
		{name: "equals with value", condition: StopEquals, value: "false", wantErr: false},
		{name: "equals without value", condition: StopEquals, wantErr: true},
		{name: "contains with value", condition: StopContains, value: "done", wantErr: false},
		{name: "contains without value", condition: StopContains, wantErr: true},
		{name: "unknown condition", condition: StopCondition("between"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStopPredicate("field", tt.condition, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStopPredicate() err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestStopPredicateHolds(t *testing.T) {
	tests := []struct {
		name      string
		field     string
		condition StopCondition
		value     string
		response  string
		want      bool
	}{
		{name: "empty holds on missing field", field: "result", condition: StopEmpty, response: `{}`, want: true},
		{name: "empty holds on null", field: "result", condition: StopEmpty, response: `{"result": null}`, want: true},
		{name: "empty holds on empty array", field: "result", condition: StopEmpty, response: `{"result": []}`, want: true},
		{name: "empty holds on empty string", field: "cursor", condition: StopEmpty, response: `{"cursor": ""}`, want: true},
		{name: "empty does not hold on data", field: "result", condition: StopEmpty, response: `{"result": [1]}`, want: false},
		{name: "empty does not hold on zero", field: "count", condition: StopEmpty, response: `{"count": 0}`, want: false},
		{name: "equals bool", field: "has_more", condition: StopEquals, value: "false", response: `{"has_more": false}`, want: true},
		{name: "equals bool negative", field: "has_more", condition: StopEquals, value: "false", response: `{"has_more": true}`, want: false},
		{name: "equals number", field: "page", condition: StopEquals, value: "3", response: `{"page": 3}`, want: true},
		{name: "equals string", field: "state", condition: StopEquals, value: "done", response: `{"state": "done"}`, want: true},
		{name: "equals missing field", field: "state", condition: StopEquals, value: "done", response: `{}`, want: false},
		{name: "contains", field: "status", condition: StopContains, value: "complete", response: `{"status": "run-completed"}`, want: true},
		{name: "contains negative", field: "status", condition: StopContains, value: "complete", response: `{"status": "running"}`, want: false},
		{name: "contains non-string", field: "status", condition: StopContains, value: "1", response: `{"status": 12}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := NewStopPredicate(tt.field, tt.condition, tt.value)
			if err != nil {
				t.Fatalf("NewStopPredicate() error: %v", err)
			}
			if got := pred.Holds(decodeJSON(t, tt.response)); got != tt.want {
				t.Errorf("Holds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPaginationNextURL(t *testing.T) {
	res := decodeJSON(t, `{"result_info": {"page": 1}}`)
	req := Request{Method: "GET", URL: "https://api.example.com/logs?since=x"}

	t.Run("replace url", func(t *testing.T) {
		settings := &PaginationSettings{
			Kind:        PaginateURL,
			URLTemplate: pathutil.CompileTemplate("https://api.example.com/logs/page/{res.result_info.page+1}"),
		}
		next, err := settings.next(req, res, req.URL)
		if err != nil {
			t.Fatalf("next() error: %v", err)
		}
		if next.URL != "https://api.example.com/logs/page/2" {
			t.Errorf("next URL = %q", next.URL)
		}
	})

	t.Run("append to first url", func(t *testing.T) {
		settings := &PaginationSettings{
			Kind:           PaginateURL,
			URLTemplate:    pathutil.CompileTemplate("&page={res.result_info.page+1}"),
			UpdateFirstURL: true,
		}
		next, err := settings.next(req, res, req.URL)
		if err != nil {
			t.Fatalf("next() error: %v", err)
		}
		if next.URL != "https://api.example.com/logs?since=x&page=2" {
			t.Errorf("next URL = %q", next.URL)
		}
	})

	t.Run("miss fails derivation", func(t *testing.T) {
		settings := &PaginationSettings{
			Kind:        PaginateURL,
			URLTemplate: pathutil.CompileTemplate("?page={res.missing}"),
		}
		if _, err := settings.next(req, res, req.URL); err == nil {
			t.Fatal("next() expected error on missing reference")
		}
	})
}

func TestPaginationNextBody(t *testing.T) {
	res := decodeJSON(t, `{"cursor": "X"}`)
	tmpl, err := pathutil.CompileStructured(map[string]any{"cursor": "{res.cursor}"})
	if err != nil {
		t.Fatalf("CompileStructured() error: %v", err)
	}
	settings := &PaginationSettings{Kind: PaginateBody, BodyTemplate: tmpl}

	req := Request{Method: "POST", URL: "https://api.example.com/events", Body: `{"limit":100}`}
	next, err := settings.next(req, res, req.URL)
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(next.Body), &body); err != nil {
		t.Fatalf("next body is not JSON: %v", err)
	}
	if body["cursor"] != "X" {
		t.Errorf("next body cursor = %v", body["cursor"])
	}
	if req.Body != `{"limit":100}` {
		t.Errorf("original request body mutated: %q", req.Body)
	}
}

func TestPaginationNextHeaders(t *testing.T) {
	res := decodeJSON(t, `{"next_token": "tok-2"}`)
	settings := &PaginationSettings{
		Kind: PaginateHeaders,
		HeaderTemplates: pathutil.CompileMap(map[string]string{
			"X-Next-Token": "{res.next_token}",
		}),
	}

	req := Request{Method: "GET", URL: "https://api.example.com/logs", Headers: map[string]string{"Accept": "application/json"}}
	next, err := settings.next(req, res, req.URL)
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	if next.Headers["X-Next-Token"] != "tok-2" {
		t.Errorf("next header = %q", next.Headers["X-Next-Token"])
	}
	if next.Headers["Accept"] != "application/json" {
		t.Errorf("existing header lost: %v", next.Headers)
	}
	if _, leaked := req.Headers["X-Next-Token"]; leaked {
		t.Error("original request headers mutated")
	}
}

func TestPaginationMaxCallsDefault(t *testing.T) {
	settings := &PaginationSettings{Kind: PaginateURL}
	if settings.maxCalls() != DefaultMaxPaginationCalls {
		t.Errorf("maxCalls() = %d, want %d", settings.maxCalls(), DefaultMaxPaginationCalls)
	}
	settings.MaxCalls = 3
	if settings.maxCalls() != 3 {
		t.Errorf("maxCalls() = %d, want 3", settings.maxCalls())
	}

	res := decodeJSON(t, `{"more": true}`)
	if settings.done(res, 3) != true {
		t.Error("done() should hold at max calls")
	}
	if settings.done(res, 2) != false {
		t.Error("done() should not hold below max calls without predicate")
	}
}
