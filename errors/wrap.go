package errors

import (
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// HasCode reports whether err is an AnchorError with the given code.
func HasCode(err error, code Code) bool {
	var ae *AnchorError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var ae *AnchorError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error should be retried. AnchorErrors
// answer for themselves; foreign errors are matched against common
// transient RPC failure strings.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ae *AnchorError
	if errors.As(err, &ae) {
		return ae.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"502",
		"503",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ClassifyRPC maps a raw RPC error to the taxonomy: transient conditions
// become RpcTransient, everything else Internal. Revert detection is the
// chain client's job since it sees the receipt.
func ClassifyRPC(err error, message string) *AnchorError {
	if err == nil {
		return nil
	}
	var ae *AnchorError
	if errors.As(err, &ae) {
		return ae
	}
	if IsRetryable(err) {
		return New(CodeRpcTransient, message).WithCause(err)
	}
	return New(CodeInternal, message).WithCause(err)
}
