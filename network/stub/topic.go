package stub

import (
	"context"
	"sync"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
)

// topicHandle is an in-memory topic membership with an unbounded inbox.
type topicHandle struct {
	net   *Network
	topic channels.Topic

	joined     chan struct{}
	joinedOnce sync.Once

	mu     sync.Mutex
	inbox  [][]byte
	err    error
	notify chan struct{}
}

var _ network.TopicHandle = (*topicHandle)(nil)

func newTopicHandle(net *Network, topic channels.Topic) *topicHandle {
	return &topicHandle{
		net:    net,
		topic:  topic,
		joined: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (h *topicHandle) Topic() channels.Topic {
	return h.topic
}

func (h *topicHandle) Joined() <-chan struct{} {
	return h.joined
}

func (h *topicHandle) confirm() {
	h.joinedOnce.Do(func() { close(h.joined) })
}

func (h *topicHandle) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	if err != nil {
		return network.ErrTopicClosed
	}
	h.net.hub.broadcast(h.topic, h.net.id, data)
	return nil
}

func (h *topicHandle) Next(ctx context.Context) ([]byte, error) {
	for {
		h.mu.Lock()
		if len(h.inbox) > 0 {
			data := h.inbox[0]
			h.inbox[0] = nil
			h.inbox = h.inbox[1:]
			h.mu.Unlock()
			return data, nil
		}
		err := h.err
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.notify:
		}
	}
}

func (h *topicHandle) push(data []byte) {
	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return
	}
	h.inbox = append(h.inbox, data)
	h.mu.Unlock()
	h.wake()
}

// close ends the stream with err once the remaining inbox is drained. Only the first call has effect.
func (h *topicHandle) close(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
		// a released topic delivers nothing more
		if err == network.ErrTopicClosed {
			h.inbox = nil
		}
	}
	h.mu.Unlock()
	h.wake()
}

func (h *topicHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}
