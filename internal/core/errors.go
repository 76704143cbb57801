package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindTransient   Kind = iota // retryable: network, 5xx
	KindRateLimited             // retryable after a wait: 429
	KindValidation              // not retryable: malformed or rejected payload
	KindCircuitOpen             // fail fast while the breaker cools off
	KindConfig                  // fatal at startup
	KindNotFound                // treat as an absent fact
	KindFatal                   // shutdown path
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindError tags an underlying error with a Kind. Use errors.As to recover
// the kind anywhere in a wrap chain.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the given kind. Returns nil for a nil err.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a new kind-tagged error from a format string.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Untagged errors classify
// as transient so callers err on the side of retrying I/O.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the error kind permits another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
