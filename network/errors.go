package network

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTopicClosed is returned by a TopicHandle that was released.
	ErrTopicClosed = errors.New("topic closed")

	// ErrTransportClosed is returned by a Transport after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// TimeoutError indicates that an operation exceeded its time bound.
type TimeoutError struct {
	op      string
	timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.op, e.timeout)
}

// Timeout returns the bound that was exceeded.
func (e TimeoutError) Timeout() time.Duration {
	return e.timeout
}

// NewTimeoutErr returns a new TimeoutError
func NewTimeoutErr(op string, timeout time.Duration) TimeoutError {
	return TimeoutError{op: op, timeout: timeout}
}

// IsTimeoutErr returns true if an error is TimeoutError
func IsTimeoutErr(err error) bool {
	var e TimeoutError
	return errors.As(err, &e)
}
