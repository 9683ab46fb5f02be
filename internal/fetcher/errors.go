// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

package fetcher

import (
	"errors"
	"fmt"
)

// HTTPError is a non-2xx response from a data or token endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// IsAuth reports whether err is a 401 from the upstream API.
func IsAuth(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == 401
}

// IsClient reports whether err is a non-auth 4xx from the upstream API.
func IsClient(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500 && httpErr.Status != 401
}

// IsTransient reports whether err should clear on a later tick: connection
// errors, timeouts, 5xx responses and an open circuit breaker. Any other
// *HTTPError status (4xx, or a non-success status below 400) is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	return true
}
