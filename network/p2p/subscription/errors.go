package subscription

import (
	"errors"
	"fmt"

	"github.com/braidmesh/braid-gossip/network/channels"
)

var (
	// ErrNotSubscribed is returned for a path without a live subscription.
	ErrNotSubscribed = errors.New("path is not subscribed")

	// ErrSubscriptionClosed is returned when waiting on a subscription that was closed.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrManagerClosed is returned by a manager after Close.
	ErrManagerClosed = errors.New("subscription manager closed")
)

// JoinFailedError indicates that the transport could not establish membership of a path's topic.
// It carries the underlying transport error, which is a network.TimeoutError if the join did not
// complete within the join timeout.
type JoinFailedError struct {
	path  string
	topic channels.Topic
	err   error
}

func (e JoinFailedError) Error() string {
	return fmt.Sprintf("could not join topic %s of path %q: %v", e.topic, e.path, e.err)
}

func (e JoinFailedError) Unwrap() error {
	return e.err
}

// NewJoinFailedErr returns a new JoinFailedError
func NewJoinFailedErr(path string, topic channels.Topic, err error) JoinFailedError {
	return JoinFailedError{path: path, topic: topic, err: err}
}

// IsJoinFailedErr returns true if an error is JoinFailedError
func IsJoinFailedErr(err error) bool {
	var e JoinFailedError
	return errors.As(err, &e)
}
