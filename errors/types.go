// Package errors defines the anchoring error taxonomy. Every component maps
// its internal failures to exactly one Code so that callers can tell
// transient conditions (retried by the pipeline) from permanent ones
// (surfaced through the ledger as FAILED).
package errors

import (
	"fmt"
)

// Code categorizes an anchoring failure.
type Code string

const (
	// CodeBadCanonicalization indicates a required field was missing or had
	// the wrong type when encoding a row. Permanent.
	CodeBadCanonicalization Code = "BAD_CANONICALIZATION"

	// CodeNotFound indicates the entity or ledger entry does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConcurrentAnchor indicates another submission for the same entity
	// is still in flight. The caller may retry once it reaches a terminal
	// state.
	CodeConcurrentAnchor Code = "CONCURRENT_ANCHOR"

	// CodeRpcTransient indicates a timeout, 429, 5xx, or disconnect.
	// Retried by the pipeline.
	CodeRpcTransient Code = "RPC_TRANSIENT"

	// CodeReverted indicates an on-chain revert. Permanent.
	CodeReverted Code = "REVERTED"

	// CodeEventMissing indicates the transaction confirmed but the expected
	// contract event was absent. Permanent; contract/ABI drift.
	CodeEventMissing Code = "EVENT_MISSING"

	// CodeUnconfirmed indicates no receipt arrived within the deadline.
	// The ledger entry stays SUBMITTED and is swept later.
	CodeUnconfirmed Code = "UNCONFIRMED"

	// CodeReorganized indicates a deep reorg invalidated a previously
	// confirmed entry.
	CodeReorganized Code = "REORGANIZED"

	// CodeConfiguration indicates a missing key, address, or URL at
	// startup. Fatal to the submission side of the core.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INTERNAL"
)

// AnchorError is the error type produced by the anchoring core.
type AnchorError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// New creates an AnchorError with the given code and message.
func New(code Code, message string) *AnchorError {
	return &AnchorError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Newf creates an AnchorError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *AnchorError {
	return New(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AnchorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AnchorError) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error.
func (e *AnchorError) WithCause(cause error) *AnchorError {
	e.Cause = cause
	return e
}

// WithContext adds a diagnostic key/value pair.
func (e *AnchorError) WithContext(key string, value interface{}) *AnchorError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the pipeline should retry the failed
// operation. Only transient RPC conditions qualify.
func (e *AnchorError) IsRetryable() bool {
	switch e.Code {
	case CodeRpcTransient, CodeUnconfirmed:
		return true
	default:
		return false
	}
}

// Permanent reports whether the failure must surface as a FAILED ledger
// entry rather than be retried.
func (e *AnchorError) Permanent() bool {
	switch e.Code {
	case CodeBadCanonicalization, CodeReverted, CodeEventMissing, CodeConfiguration:
		return true
	default:
		return false
	}
}
