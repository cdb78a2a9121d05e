package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies infrastructure failures surfaced by the core.
type ErrorKind string

const (
	KindValidationFailed    ErrorKind = "validation_failed"
	KindConnectionLost      ErrorKind = "connection_lost"
	KindAuthFailed          ErrorKind = "auth_failed"
	KindTimeout             ErrorKind = "timeout"
	KindRollbackUnavailable ErrorKind = "rollback_unavailable"
	KindInternal            ErrorKind = "internal"
)

// Error is a typed infrastructure error with its kind and host context.
// Remote non-zero exit codes are data on Result, never an Error.
type Error struct {
	Kind    ErrorKind
	Op      string
	AssetID string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (asset %s): %v", e.Kind, e.Op, e.AssetID, e.Err)
	}
	return fmt.Sprintf("%s: %s (asset %s)", e.Kind, e.Op, e.AssetID)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error.
func NewError(kind ErrorKind, op, assetID string, err error) *Error {
	return &Error{Kind: kind, Op: op, AssetID: assetID, Err: err}
}

// KindOf extracts the ErrorKind from an error chain; unknown errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
