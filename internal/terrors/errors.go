// Package terrors defines the error taxonomy shared by all tunnelcore
// components.
//
// Every error that crosses a component boundary carries a stable machine code,
// a human-readable message, a category, and a retryable flag, so that callers
// can build uniform handling (retry, surface, fail fast) without string
// matching. Categories map to handling policy:
//
//   - Network: retryable, drives reconnection.
//   - Authentication: not retried automatically, surfaced for re-auth.
//   - Configuration: fails fast, never retried.
//   - Server: routed through the circuit breaker.
//   - Protocol: one retry with reduced feature set, then surfaced.
//   - Unknown: surfaced with diagnostic context, not retried.
package terrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Category classifies an error for handling policy.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryAuthentication
	CategoryConfiguration
	CategoryServer
	CategoryProtocol
)

// String returns the human-readable name of the category.
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryAuthentication:
		return "authentication"
	case CategoryConfiguration:
		return "configuration"
	case CategoryServer:
		return "server"
	case CategoryProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the taxonomy error type. It wraps an optional cause and is
// comparable with errors.Is via its Code.
type Error struct {
	Code      string   // stable machine code, e.g. "queue_full"
	Message   string   // human-readable description
	Category  Category // handling policy bucket
	Retryable bool     // whether the caller may retry the operation
	Cause     error    // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Code.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// New creates a taxonomy error without a cause.
func New(category Category, code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Category: category, Retryable: retryable}
}

// Wrap creates a taxonomy error wrapping a cause.
func Wrap(category Category, code, message string, retryable bool, cause error) *Error {
	return &Error{Code: code, Message: message, Category: category, Retryable: retryable, Cause: cause}
}

// Networkf creates a retryable network error.
func Networkf(code string, cause error, format string, args ...any) *Error {
	return Wrap(CategoryNetwork, code, fmt.Sprintf(format, args...), true, cause)
}

// Configf creates a non-retryable configuration error.
func Configf(code string, format string, args ...any) *Error {
	return New(CategoryConfiguration, code, fmt.Sprintf(format, args...), false)
}

// Protocolf creates a protocol error wrapping a cause.
func Protocolf(code string, cause error, format string, args ...any) *Error {
	return Wrap(CategoryProtocol, code, fmt.Sprintf(format, args...), false, cause)
}

// CategoryOf returns the category of err. Taxonomy errors report their own
// category; common stdlib network errors (refused, DNS, timeout) are
// classified as Network; everything else is Unknown.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

// IsRetryable reports whether err may be retried. Taxonomy errors report
// their own flag; otherwise only Network-classified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return CategoryOf(err) == CategoryNetwork
}
