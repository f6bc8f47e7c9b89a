// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package herrors defines the structured error kinds the hearthd core
// surfaces to callers. Every caller-visible failure carries one of these
// kinds plus a human-readable message; internal failures are logged with
// the request id as correlation key.
package herrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorises a core failure.
type Kind string

const (
	// KindConfigInvalid marks a malformed configuration. Startup-fatal.
	KindConfigInvalid Kind = "config_invalid"

	// KindBackendLoadFailed marks a failed model load. Triggers the
	// fallback chain before escalating to KindModelUnavailable.
	KindBackendLoadFailed Kind = "backend_load_failed"

	// KindModelUnavailable marks fallback-chain exhaustion. The request
	// is aborted.
	KindModelUnavailable Kind = "model_unavailable"

	// KindGenerationFailed marks a transient generation failure. The
	// caller may retry; the core does not retry in-process.
	KindGenerationFailed Kind = "generation_failed"

	// KindTimeout marks a deadline expiry at generate level. Treated
	// like KindGenerationFailed by the caller; release is forced.
	KindTimeout Kind = "timeout"

	// KindCancelled marks cooperative cancellation. No side effects
	// beyond releasing the handle.
	KindCancelled Kind = "cancelled"

	// KindAdmissionRejected marks the health gate tripping. The response
	// carries the predicted OOM ETA and is retryable.
	KindAdmissionRejected Kind = "admission_rejected"

	// KindDegraded is a soft signal exposed on /health. It is never
	// raised to callers as an error.
	KindDegraded Kind = "degraded"

	// KindInvalidRequest marks client misuse, e.g. a whitespace-only
	// query. Never retried.
	KindInvalidRequest Kind = "invalid_request"
)

// Error is a structured core error: a kind plus a human string.
type Error struct {
	Kind    Kind
	Message string

	// ETA is set only for KindAdmissionRejected.
	ETA time.Duration

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New creates a structured error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// AdmissionRejected creates a retryable admission error carrying the
// predicted OOM ETA.
func AdmissionRejected(eta time.Duration) *Error {
	return &Error{
		Kind:    KindAdmissionRejected,
		Message: fmt.Sprintf("admission rejected, predicted OOM in %s", eta.Round(time.Second)),
		ETA:     eta,
	}
}

// KindOf returns the kind of err, or an empty Kind when err is not a
// structured core error.
func KindOf(err error) Kind {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindGenerationFailed, KindTimeout, KindAdmissionRejected:
		return true
	default:
		return false
	}
}
