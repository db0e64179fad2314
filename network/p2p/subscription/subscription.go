package subscription

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
)

// Subscription binds a document path to its topic and carries the stream of frames received on it.
type Subscription struct {
	path     string
	topic    channels.Topic
	handle   network.TopicHandle
	openedAt time.Time

	status    *atomic.Uint32
	cause     *atomic.Error
	bootstrap *atomic.Pointer[[]network.PeerAddress]

	updates chan *codec.Frame
	cancel  context.CancelFunc
	active  chan struct{}
	closed  chan struct{}
	done    chan struct{}
}

func newSubscription(path string, handle network.TopicHandle, bootstrap []network.PeerAddress, cancel context.CancelFunc) *Subscription {
	peers := network.MergePeerAddresses(nil, bootstrap)
	return &Subscription{
		path:      path,
		topic:     handle.Topic(),
		handle:    handle,
		openedAt:  time.Now(),
		status:    atomic.NewUint32(uint32(Joining)),
		cause:     atomic.NewError(nil),
		bootstrap: atomic.NewPointer(&peers),
		updates:   make(chan *codec.Frame),
		cancel:    cancel,
		active:    make(chan struct{}),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Path returns the document path.
func (s *Subscription) Path() string {
	return s.path
}

// Topic returns the topic the path maps to.
func (s *Subscription) Topic() channels.Topic {
	return s.topic
}

// Updates returns the stream of frames received on the topic. The channel is closed once the
// subscription is closed; frames still in flight at that point are discarded.
func (s *Subscription) Updates() <-chan *codec.Frame {
	return s.updates
}

// Status returns the current lifecycle state.
func (s *Subscription) Status() Status {
	return Status(s.status.Load())
}

// Bootstrap returns every bootstrap peer supplied for this path so far.
func (s *Subscription) Bootstrap() []network.PeerAddress {
	peers := *s.bootstrap.Load()
	out := make([]network.PeerAddress, len(peers))
	copy(out, peers)
	return out
}

// Err returns why the subscription was closed: nil while it is live or after an explicit
// unsubscribe or shutdown, the transport error if its receive stream failed.
func (s *Subscription) Err() error {
	return s.cause.Load()
}

// Done is closed once the subscription is closed and its delivery task has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// AwaitActive blocks until the transport confirmed membership of the topic.
//
// Expected errors:
// - ErrSubscriptionClosed if the subscription was closed first
// - network.TimeoutError if ctx reached its deadline
// - context.Canceled if ctx was cancelled
func (s *Subscription) AwaitActive(ctx context.Context) error {
	start := time.Now()
	select {
	case <-s.active:
		return nil
	case <-s.closed:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return network.NewTimeoutErr("waiting for topic membership", time.Since(start))
		}
		return ctx.Err()
	}
}

func (s *Subscription) markActive() bool {
	if !s.status.CompareAndSwap(uint32(Joining), uint32(Active)) {
		return false
	}
	close(s.active)
	return true
}

// markClosed moves the subscription to Closed. Only the first caller gets true and owns the release.
func (s *Subscription) markClosed(cause error) bool {
	for {
		current := s.status.Load()
		if Status(current) == Closed {
			return false
		}
		if s.status.CompareAndSwap(current, uint32(Closed)) {
			if cause != nil {
				s.cause.Store(cause)
			}
			close(s.closed)
			return true
		}
	}
}

func (s *Subscription) mergeBootstrap(peers []network.PeerAddress) {
	if len(peers) == 0 {
		return
	}
	merged := network.MergePeerAddresses(*s.bootstrap.Load(), peers)
	s.bootstrap.Store(&merged)
}
