// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package pathutil

import (
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
)

// placeholderRe discovers {res.<path>} references inside a template string.
var placeholderRe = regexp.MustCompile(`\{res\.(.*?)\}`)

// ErrPathMiss reports a {res.path} reference whose path was missing or null
// in the response. The template is left unapplied when this happens.
type ErrPathMiss struct {
	Ref      string
	Template string
}

func (e *ErrPathMiss) Error() string {
	return fmt.Sprintf("response has no value at %q, template %q not applied", e.Ref, e.Template)
}

// Template is a compiled string template: alternating literal chunks and
// path references. Compiling once removes the per-call regex scanning that a
// naive substitute-on-every-request approach would pay.
type Template struct {
	raw      string
	literals []string // len(refs)+1 literal chunks surrounding the refs
	refs     []*Path
}

// CompileTemplate compiles a string carrying zero or more {res.path}
// placeholders.
func CompileTemplate(raw string) *Template {
	t := &Template{raw: raw}

	matches := placeholderRe.FindAllStringSubmatchIndex(raw, -1)
	prev := 0
	for _, m := range matches {
		t.literals = append(t.literals, raw[prev:m[0]])
		t.refs = append(t.refs, Compile(raw[m[2]:m[3]]))
		prev = m[1]
	}
	t.literals = append(t.literals, raw[prev:])
	return t
}

// CompileStructured canonicalizes a structured (map/slice) template to its
// JSON string form and compiles it. Plain strings compile as-is.
func CompileStructured(v any) (*Template, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		return CompileTemplate(typed), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("canonicalize template body: %w", err)
		}
		return CompileTemplate(string(encoded)), nil
	}
}

// String returns the raw template text.
func (t *Template) String() string { return t.raw }

// HasRefs reports whether the template references the response at all.
func (t *Template) HasRefs() bool { return len(t.refs) > 0 }

// Render substitutes every reference against res. A missing or null
// reference fails the whole render with *ErrPathMiss.
func (t *Template) Render(res any) (string, error) {
	if len(t.refs) == 0 {
		return t.raw, nil
	}

	var out []byte
	for i, ref := range t.refs {
		out = append(out, t.literals[i]...)
		value, ok := ref.Resolve(res)
		if !ok || value == nil {
			return "", &ErrPathMiss{Ref: ref.String(), Template: t.raw}
		}
		out = append(out, FormatValue(value)...)
	}
	out = append(out, t.literals[len(t.literals)-1]...)
	return string(out), nil
}

// RenderMap renders a map of templates, typically request headers. The whole
// map fails on the first reference miss.
func RenderMap(templates map[string]*Template, res any) (map[string]string, error) {
	rendered := make(map[string]string, len(templates))
	for k, t := range templates {
		v, err := t.Render(res)
		if err != nil {
			return nil, err
		}
		rendered[k] = v
	}
	return rendered, nil
}

// CompileMap compiles each value of a string map, typically request headers.
func CompileMap(values map[string]string) map[string]*Template {
	if len(values) == 0 {
		return nil
	}
	compiled := make(map[string]*Template, len(values))
	for k, v := range values {
		compiled[k] = CompileTemplate(v)
	}
	return compiled
}
