// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
)

// Error is a structured error response from the bus. The Code is the
// bus's stable error identifier (TOPIC_UNKNOWN, CURSOR_EXPIRED, ...);
// StatusCode is the HTTP status it arrived with.
type Error struct {
	Code       string `cbor:"code"`
	Message    string `cbor:"message"`
	StatusCode int    `cbor:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
}

// IsCode reports whether err is a bus Error with the given code.
func IsCode(err error, code string) bool {
	var busErr *Error
	return errors.As(err, &busErr) && busErr.Code == code
}

// Retryable reports whether err is worth retrying: transport-level
// failures and server-side 5xx responses are; 4xx responses are not
// (the request itself is wrong and will not improve).
func Retryable(err error) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.StatusCode >= 500
	}
	// Non-Error failures are transport problems (timeout, refused
	// connection, dropped conn mid-body).
	return err != nil
}
