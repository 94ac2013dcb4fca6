package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolClosed is returned by operations on a pool that was shut down
	// or retired by its supervisor.
	ErrPoolClosed = errors.New("pool closed")

	// ErrAlreadyReleased is returned when a handle is used or closed after it
	// was already returned to its pool.
	ErrAlreadyReleased = errors.New("connection already released")
)

// TimeoutError reports that a caller waited the full queue time without
// obtaining a connection. It is retryable and leaves pool state untouched.
type TimeoutError struct {
	Pool    string
	Waited  time.Duration
	Timeout time.Duration
	Busy    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("can't obtain connection for pool %s: request timed out (waited=%v, timeout=%v, busy=%d)",
		e.Pool, e.Waited, e.Timeout, e.Busy)
}

// Temporary marks the error as retryable.
func (e *TimeoutError) Temporary() bool { return true }

// ConnectivityError reports that no working connection could be produced.
// Err carries the last root cause.
type ConnectivityError struct {
	Pool     string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("no usable connection for pool %s after %d attempts: %v", e.Pool, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a queue wait timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConnectivity reports whether err means the pool could not produce any
// working connection.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
