package node

import (
	"errors"
	"fmt"

	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
)

// ErrNodeShutdown is returned by operations on a node that has been shut down.
var ErrNodeShutdown = fmt.Errorf("node is shut down: %w", subscription.ErrManagerClosed)

// TransportInitFailedError indicates that the node could not bring up its transport or bind
// one of its listeners.
type TransportInitFailedError struct {
	err error
}

func (e TransportInitFailedError) Error() string {
	return fmt.Sprintf("transport initialization failed: %v", e.err)
}

func (e TransportInitFailedError) Unwrap() error {
	return e.err
}

// NewTransportInitFailedErr returns a new TransportInitFailedError.
func NewTransportInitFailedErr(err error) TransportInitFailedError {
	return TransportInitFailedError{err: err}
}

// IsTransportInitFailedErr returns true if an error is TransportInitFailedError
func IsTransportInitFailedErr(err error) bool {
	var e TransportInitFailedError
	return errors.As(err, &e)
}
