package targets

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure classes a target adapter may
// report. Retry policy is a function of the kind alone.
type ErrorKind int

const (
	// KindValidation marks input the adapter rejects up front. Never retried.
	KindValidation ErrorKind = iota
	// KindTransient marks timeouts, rate limits and 5xx-equivalents. Retried
	// with backoff up to the configured maximum.
	KindTransient
	// KindPermanent marks final rejections by the target. Never retried.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TargetError is a tagged error returned by target adapters
type TargetError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// Validation wraps err as a validation failure
func Validation(err error) error {
	return &TargetError{Kind: KindValidation, Err: err}
}

// Validationf builds a validation failure from a format string
func Validationf(format string, args ...interface{}) error {
	return Validation(fmt.Errorf(format, args...))
}

// Transient wraps err as a retryable failure
func Transient(err error) error {
	return &TargetError{Kind: KindTransient, Err: err}
}

// TransientAfter wraps err as a retryable failure carrying a server-provided
// retry delay (e.g. a Retry-After header)
func TransientAfter(err error, retryAfter time.Duration) error {
	return &TargetError{Kind: KindTransient, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a final failure
func Permanent(err error) error {
	return &TargetError{Kind: KindPermanent, Err: err}
}

// KindOf classifies err. Untagged errors and context deadline expiry count
// as transient so that plain network failures get retried.
func KindOf(err error) ErrorKind {
	var te *TargetError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the server-provided retry delay, or 0
func RetryAfterOf(err error) time.Duration {
	var te *TargetError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
