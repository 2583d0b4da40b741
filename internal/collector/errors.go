package collector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned when a target names no upstream identifier.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotFound is returned by lookups for records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrRetryBudgetExhausted marks a transient failure that outlived its retries.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrMalformedPage is returned when a response body cannot be decoded.
	ErrMalformedPage = errors.New("malformed page")
	// ErrOffsetRegression is returned when an advance would move the offset backwards.
	ErrOffsetRegression = errors.New("offset regression")
	// ErrStorageWrite wraps persistence failures that abort a run.
	ErrStorageWrite = errors.New("storage write failure")
	// ErrTargetBusy is returned when a target already has a run in progress.
	ErrTargetBusy = errors.New("target already running")
	// ErrInvalidItem marks items with no identifier or no payload.
	ErrInvalidItem = errors.New("invalid item")
)

// ErrorKind classifies fetch failures.
type ErrorKind int

const (
	// KindRetryable covers timeouts, connection resets and 5xx responses.
	KindRetryable ErrorKind = iota
	// KindRateLimited covers HTTP 429.
	KindRateLimited
	// KindFatal covers other 4xx responses and unusable bodies.
	KindFatal
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchError describes a failed page fetch.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Attempts   int
	URL        string
	Err        error
}

// Error implements error.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindRetryable || e.Kind == KindRateLimited
}
