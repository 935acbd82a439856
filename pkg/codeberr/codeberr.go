// Package codeberr defines the error taxonomy shared by every engine in the
// control plane, and the mapping from error kind to HTTP status per the
// external interface contract.
package codeberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of failure a core operation produced. Handlers
// map Kind to an HTTP status; callers use errors.Is/As against these kinds
// rather than matching on message text.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindRoleEscalation     Kind = "role_escalation"
	KindNotFound           Kind = "not_found"
	KindBusy               Kind = "busy"
	KindTargetBusy         Kind = "target_busy"
	KindNotDeployed        Kind = "not_deployed"
	KindNoPreviousVersion  Kind = "no_previous_version"
	KindPreviousUnhealthy  Kind = "previous_unhealthy"
	KindUnhealthy          Kind = "unhealthy"
	KindPortExhausted      Kind = "port_exhausted"
	KindHealthTimeout      Kind = "health_timeout"
	KindQuadletWriteFailed Kind = "quadlet_write_failed"
	KindDaemonReloadFailed Kind = "daemon_reload_failed"
	KindStartFailed        Kind = "start_failed"
	KindPortsMismatch      Kind = "ports_mismatch"
	KindTransport          Kind = "transport"
	KindTimeout            Kind = "timeout"
	KindNonzeroExit        Kind = "nonzero_exit"
	KindInvariantViolation Kind = "invariant_violation"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindValidation         Kind = "validation"
	KindUnknownTool        Kind = "unknown_tool"
	KindInternal           Kind = "internal"
)

// Error is a typed, wrappable error carrying a Kind for classification.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-only error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a Kind-only error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is
// not a *Error (or wraps one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the HTTP status code documented in the external
// interface (spec §7 error taxonomy).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindRoleEscalation:
		return http.StatusForbidden
	case KindNotFound, KindUnknownTool:
		return http.StatusNotFound
	case KindBusy, KindTargetBusy, KindNotDeployed, KindNoPreviousVersion,
		KindPreviousUnhealthy, KindUnhealthy, KindPortExhausted, KindHealthTimeout:
		return http.StatusConflict
	case KindTransport, KindTimeout, KindNonzeroExit, KindInvariantViolation,
		KindDeadlineExceeded, KindQuadletWriteFailed, KindDaemonReloadFailed,
		KindStartFailed, KindPortsMismatch, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
