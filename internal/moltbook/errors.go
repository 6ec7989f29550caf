package moltbook

import (
	"errors"
	"fmt"
)

// TransientError reports a retryable upstream failure whose retry budget was
// exhausted: rate limiting, 5xx gateway errors, connection timeouts/resets.
type TransientError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch failure on %s after %d attempts: status %d", e.Endpoint, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("transient fetch failure on %s after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a non-retryable upstream failure: 4xx other than
// 429, or a payload the client cannot parse. It is surfaced immediately.
type PermanentError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent fetch failure on %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("permanent fetch failure on %s: %v", e.Endpoint, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// retryableStatus reports whether an HTTP status should be retried.
func retryableStatus(code int) bool {
	switch code {
	case 429, 502, 503, 504:
		return true
	}
	return false
}
