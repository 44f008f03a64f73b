// Package errors defines the unified error taxonomy for memory operations.
// Every failure from the public API maps to one of these kinds so callers can
// branch on machine-checkable error classes instead of string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind string

const (
	// KindValidation marks malformed input: empty content, out-of-range
	// strength, unknown relationship kind. Never retryable.
	KindValidation Kind = "validation_error"

	// KindNotFound marks a referenced memory id that does not exist.
	KindNotFound Kind = "not_found_error"

	// KindUpstream marks a failure from the embedding service or the vector
	// index. The whole operation may be retried by the caller.
	KindUpstream Kind = "upstream_error"

	// KindPartialIndex marks the accepted inconsistency window: the durable
	// record was written but the vector index upsert failed. This is a
	// warning attached to a successful result, not an operation failure.
	KindPartialIndex Kind = "partial_index_warning"

	// KindInternal marks storage or other unexpected failures.
	KindInternal Kind = "internal_error"
)

// Error is a classified memory-service error. Stage names the pipeline step
// that failed (e.g. "embed", "index_upsert", "store_insert").
type Error struct {
	Kind      Kind   `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"-"`
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s)", e.Kind, e.Message, e.Stage)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewValidation creates a validation error.
func NewValidation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewNotFound creates a not-found error for the given memory id.
func NewNotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("memory %q not found", id)}
}

// NewUpstream wraps a collaborator failure with the pipeline stage that hit it.
func NewUpstream(stage string, cause error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Stage:     stage,
		Message:   cause.Error(),
		Retryable: true,
		cause:     cause,
	}
}

// NewPartialIndex creates the success-with-warning outcome for a durable write
// whose index upsert failed.
func NewPartialIndex(id string, cause error) *Error {
	return &Error{
		Kind:    KindPartialIndex,
		Stage:   "index_upsert",
		Message: fmt.Sprintf("memory %s stored but not indexed: %v", id, cause),
		cause:   cause,
	}
}

// NewInternal wraps a storage or other unexpected failure.
func NewInternal(stage string, cause error) *Error {
	return &Error{Kind: KindInternal, Stage: stage, Message: cause.Error(), cause: cause}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUpstream reports whether err is an upstream collaborator failure.
func IsUpstream(err error) bool { return KindOf(err) == KindUpstream }
