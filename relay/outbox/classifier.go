package outbox

import "errors"

// RetryClassifier determines whether a publish error should not be retried.
// Non-retryable records move straight to DEAD instead of burning attempts.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// NonRetryableError marks an error as permanently failing. Wrap broker or
// serialization errors with it when retrying can never succeed.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable outbox error"
	}

	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// MarkNonRetryable wraps err so the default classifier treats it as
// permanent. A nil err returns nil.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries the non-retryable marker.
func IsNonRetryable(err error) bool {
	var marked *NonRetryableError

	return errors.As(err, &marked)
}
