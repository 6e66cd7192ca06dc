// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"errors"
	"fmt"
)

// MalformedResponseError reports a backend response that matched neither
// accepted shape: a fenced JSON files object or a unified diff against
// the request's base files.
type MalformedResponseError struct {
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed generation response: %s", e.Detail)
}

// BackendTimeoutError reports a generation call that ran out of time.
type BackendTimeoutError struct {
	Model string
	Err   error
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("generation timed out (model %s): %v", e.Model, e.Err)
}

func (e *BackendTimeoutError) Unwrap() error {
	return e.Err
}

// BackendUnavailableError reports a transport-level failure reaching the
// generation backend.
type BackendUnavailableError struct {
	Model string
	Err   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("generation backend unavailable (model %s): %v", e.Model, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Inspection Helpers
// =============================================================================

// IsMalformedResponse reports whether err is a MalformedResponseError.
func IsMalformedResponse(err error) bool {
	var target *MalformedResponseError
	return errors.As(err, &target)
}

// IsBackendTimeout reports whether err is a BackendTimeoutError.
func IsBackendTimeout(err error) bool {
	var target *BackendTimeoutError
	return errors.As(err, &target)
}

// IsBackendUnavailable reports whether err is a BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var target *BackendUnavailableError
	return errors.As(err, &target)
}
