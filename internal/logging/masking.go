// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package logging

import (
	"io"
	"regexp"
	"strings"
)

// maskPatterns match credential material that request/response outlines may
// carry into log lines. Each pattern's first group is kept, the value that
// follows it is replaced with ******.
var maskPatterns = []*regexp.Regexp{
	// URL and form-encoded credentials: token=..., client_secret=..., grant_type=...
	regexp.MustCompile(`(token=|client_secret=|grant_type=|client_id=|api_key=|password=)[^&\s"']{1,128}`),
	// Authorization header values in any quoting style.
	regexp.MustCompile(`(Bearer )[A-Za-z0-9\-._~+/=]{4,}`),
	regexp.MustCompile(`(Basic )[A-Za-z0-9+/=]{4,}`),
	// JSON-embedded secrets: "password":"...", "token":"...", "secret":"..."
	regexp.MustCompile(`("(?:password|token|secret|access_token|refresh_token)"\s*:\s*")[^"]{1,256}`),
}

const maskReplacement = "${1}******"

// Mask replaces credential material in s with ******.
func Mask(s string) string {
	for _, p := range maskPatterns {
		s = p.ReplaceAllString(s, maskReplacement)
	}
	return s
}

// MaskWriter is an io.Writer that masks credentials in everything written
// through it. It sits between zerolog and the real output so no log line can
// leak a secret regardless of which call site produced it.
type MaskWriter struct {
	out io.Writer
}

// NewMaskWriter wraps out with credential masking.
func NewMaskWriter(out io.Writer) *MaskWriter {
	return &MaskWriter{out: out}
}

// Write masks p and forwards it. The reported length is len(p) so zerolog
// never sees a short write even when masking changed the byte count.
func (w *MaskWriter) Write(p []byte) (int, error) {
	masked := Mask(string(p))
	if _, err := io.WriteString(w.out, masked); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SanitizeToken masks a token value for deliberate inclusion in a log field,
// showing only the first and last 4 characters.
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeURL masks the query string of a URL that may carry a token
// (the log sink endpoint embeds its shipping token as ?token=...).
func SanitizeURL(rawURL string) string {
	i := strings.IndexByte(rawURL, '?')
	if i < 0 {
		return rawURL
	}
	return rawURL[:i] + "?" + Mask(rawURL[i+1:])
}
