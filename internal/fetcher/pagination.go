// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"fmt"
	"strings"

	"github.com/tomtom215/skimmer/internal/logging"
	"github.com/tomtom215/skimmer/internal/pathutil"
)

// DefaultMaxPaginationCalls caps pagination within one tick when the
// manifest does not set its own limit.
const DefaultMaxPaginationCalls = 20

// PaginationKind selects which part of the request the template rewrites.
type PaginationKind string

const (
	PaginateURL     PaginationKind = "url"
	PaginateBody    PaginationKind = "body"
	PaginateHeaders PaginationKind = "headers"
)

// StopCondition is the predicate operator for ending pagination.
type StopCondition string

const (
	StopEmpty    StopCondition = "empty"
	StopEquals   StopCondition = "equals"
	StopContains StopCondition = "contains"
)

// StopPredicate ends pagination when the response field meets the condition.
// Value is required exactly when the condition is equals or contains.
type StopPredicate struct {
	Field     *pathutil.Path
	Condition StopCondition
	Value     string
}

// NewStopPredicate validates the predicate shape and compiles the field path.
func NewStopPredicate(field string, condition StopCondition, value string) (*StopPredicate, error) {
	switch condition {
	case StopEmpty:
		if value != "" {
			return nil, fmt.Errorf("stop condition %q takes no value", condition)
		}
	case StopEquals, StopContains:
		if value == "" {
			return nil, fmt.Errorf("stop condition %q requires a value", condition)
		}
	default:
		return nil, fmt.Errorf("unknown stop condition %q", condition)
	}
	return &StopPredicate{Field: pathutil.Compile(field), Condition: condition, Value: value}, nil
}

// Holds reports whether the predicate is satisfied by the response.
func (p *StopPredicate) Holds(res any) bool {
	value, found := p.Field.Resolve(res)

	switch p.Condition {
	case StopEmpty:
		return !found || pathutil.IsEmpty(value)
	case StopEquals:
		if !found {
			return false
		}
		return pathutil.FormatValue(value) == p.Value
	case StopContains:
		if !found {
			return false
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, p.Value)
	default:
		return true
	}
}

// PaginationSettings derives follow-up requests from the last response until
// the stop predicate holds or MaxCalls is reached.
type PaginationSettings struct {
	Kind PaginationKind

	// URLTemplate rewrites the request URL (kind=url). With UpdateFirstURL
	// the rendered fragment is appended to the tick's first URL instead of
	// replacing it, for APIs that need their filters restated next to the
	// page token.
	URLTemplate    *pathutil.Template
	UpdateFirstURL bool

	// BodyTemplate rewrites the request body (kind=body). Structured
	// templates are canonicalized to JSON at compile time.
	BodyTemplate *pathutil.Template

	// HeaderTemplates rewrite individual header values (kind=headers).
	HeaderTemplates map[string]*pathutil.Template

	Stop     *StopPredicate
	MaxCalls int
}

// maxCalls returns the configured limit or the default.
func (s *PaginationSettings) maxCalls() int {
	if s.MaxCalls > 0 {
		return s.MaxCalls
	}
	return DefaultMaxPaginationCalls
}

// done reports whether pagination should end after callCount follow-ups.
func (s *PaginationSettings) done(res any, callCount int) bool {
	if callCount >= s.maxCalls() {
		logging.Debug().Int("max_calls", s.maxCalls()).Msg("pagination reached max calls guard")
		return true
	}
	return s.Stop != nil && s.Stop.Holds(res)
}

// next derives the follow-up request from the current one and the last
// response. firstURL is the URL of the tick's first call. A template
// reference miss returns *pathutil.ErrPathMiss and ends pagination.
func (s *PaginationSettings) next(req Request, res any, firstURL string) (Request, error) {
	nextReq := req.Clone()

	switch s.Kind {
	case PaginateURL:
		rendered, err := s.URLTemplate.Render(res)
		if err != nil {
			return Request{}, err
		}
		if s.UpdateFirstURL {
			nextReq.URL = firstURL + rendered
		} else {
			nextReq.URL = rendered
		}

	case PaginateBody:
		rendered, err := s.BodyTemplate.Render(res)
		if err != nil {
			return Request{}, err
		}
		nextReq.Body = rendered

	case PaginateHeaders:
		rendered, err := pathutil.RenderMap(s.HeaderTemplates, res)
		if err != nil {
			return Request{}, err
		}
		if nextReq.Headers == nil {
			nextReq.Headers = make(map[string]string, len(rendered))
		}
		for k, v := range rendered {
			nextReq.Headers[k] = v
		}

	default:
		return Request{}, fmt.Errorf("unknown pagination kind %q", s.Kind)
	}

	return nextReq, nil
}
