// Copyright 2025 The Runplane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// retryable marks an error as transient.
type retryable struct {
	err error
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

// nonRetryable marks an error as permanent.
type nonRetryable struct {
	err error
}

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// Retryable marks err as transient so callers retry it.
// Returns nil if err is nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryable{err: err}
}

// NonRetryable marks err as permanent so callers surface it immediately.
// Returns nil if err is nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsRetryable classifies an error for the retry machinery.
//
// Explicit Retryable/NonRetryable markers win. Otherwise validation, policy,
// not-found, conflict, and config errors are permanent; timeouts and provider
// errors with HTTP 5xx/429/408 are transient. Context cancellation is never
// retried. Unknown errors default to permanent so bad requests cannot loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r *retryable
	if errors.As(err, &r) {
		return true
	}
	var n *nonRetryable
	if errors.As(err, &n) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var validationErr *ValidationError
	var policyErr *PolicyError
	var notFoundErr *NotFoundError
	var conflictErr *ConflictError
	var configErr *ConfigError
	if errors.As(err, &validationErr) || errors.As(err, &policyErr) ||
		errors.As(err, &notFoundErr) || errors.As(err, &conflictErr) ||
		errors.As(err, &configErr) {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode >= 500 ||
			provErr.StatusCode == http.StatusTooManyRequests ||
			provErr.StatusCode == http.StatusRequestTimeout
	}

	type temporary interface {
		Temporary() bool
	}
	if temp, ok := err.(temporary); ok {
		return temp.Temporary()
	}

	return false
}
