package p2pnode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
)

// topicHandle is the membership of the node in one GossipSub topic.
type topicHandle struct {
	self   peer.ID
	topic  channels.Topic
	tp     *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler

	joined     chan struct{}
	joinedOnce sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

var _ network.TopicHandle = (*topicHandle)(nil)

func newTopicHandle(self peer.ID, topic channels.Topic, tp *pubsub.Topic, sub *pubsub.Subscription, events *pubsub.TopicEventHandler) *topicHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &topicHandle{
		self:   self,
		topic:  topic,
		tp:     tp,
		sub:    sub,
		events: events,
		joined: make(chan struct{}),
		cancel: cancel,
	}

	h.wg.Add(1)
	go h.watchPeers(ctx)
	return h
}

func (h *topicHandle) Topic() channels.Topic {
	return h.topic
}

func (h *topicHandle) Joined() <-chan struct{} {
	return h.joined
}

// watchPeers confirms membership once another peer on the topic is routable. A peer announcing
// the topic is only grafted into the mesh by the next gossipsub heartbeat; until then a publish
// may reach nobody, so the peer must still be listed one heartbeat after it was first seen.
func (h *topicHandle) watchPeers(ctx context.Context) {
	defer h.wg.Done()

	for {
		if len(h.tp.ListPeers()) == 0 {
			if !h.awaitPeerJoin(ctx) {
				return
			}
		}

		settle := time.NewTimer(routeSettleDelay())
		select {
		case <-ctx.Done():
			settle.Stop()
			return
		case <-settle.C:
		}

		if len(h.tp.ListPeers()) > 0 {
			h.confirm()
			return
		}
	}
}

// awaitPeerJoin blocks until a peer joins the topic. It returns false once the handle is closed.
func (h *topicHandle) awaitPeerJoin(ctx context.Context) bool {
	for {
		evt, err := h.events.NextPeerEvent(ctx)
		if err != nil {
			return false
		}
		if evt.Type == pubsub.PeerJoin {
			return true
		}
	}
}

// routeSettleDelay covers the initial heartbeat delay plus one heartbeat.
func routeSettleDelay() time.Duration {
	return pubsub.GossipSubHeartbeatInitialDelay + pubsub.GossipSubHeartbeatInterval
}

func (h *topicHandle) confirm() {
	h.joinedOnce.Do(func() { close(h.joined) })
}

func (h *topicHandle) Send(ctx context.Context, data []byte) error {
	err := h.tp.Publish(ctx, data)
	if errors.Is(err, pubsub.ErrTopicClosed) {
		return network.ErrTopicClosed
	}
	return err
}

// Next returns the next message published by another peer. Messages this node published are skipped.
func (h *topicHandle) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, err := h.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return nil, network.ErrTopicClosed
			}
			return nil, err
		}
		if msg.ReceivedFrom == h.self {
			continue
		}
		return msg.Data, nil
	}
}

// close cancels the subscription and the peer watcher; the pubsub topic itself is closed by the node.
func (h *topicHandle) close() {
	h.cancel()
	h.sub.Cancel()
	h.events.Cancel()
	h.wg.Wait()
}

func (h *topicHandle) String() string {
	return fmt.Sprintf("topic(%s)", h.topic)
}
