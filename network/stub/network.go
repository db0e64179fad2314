package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

// JoinHook is consulted before a topic is joined; a non-nil error fails the join.
type JoinHook func(ctx context.Context, topic channels.Topic) error

// Network is an in-memory Transport plugged into a Hub.
type Network struct {
	hub       *Hub
	log       zerolog.Logger
	id        peer.ID
	addr      multiaddr.Multiaddr
	validator network.MessageValidator

	mu        sync.Mutex
	closed    bool
	topics    map[channels.Topic]*topicHandle
	joinCount map[channels.Topic]int
	joinHook  JoinHook
	leaveErr  error
}

var _ network.Transport = (*Network)(nil)

func newNetwork(hub *Hub, id peer.ID, index int, params network.TransportParams) *Network {
	return &Network{
		hub:       hub,
		log:       params.Logger.With().Str("component", "stub_network").Str("peer_id", logging.PeerID(id)).Logger(),
		id:        id,
		addr:      multiaddr.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 10000+index)),
		validator: params.Validator,
		topics:    make(map[channels.Topic]*topicHandle),
		joinCount: make(map[channels.Topic]int),
	}
}

func (n *Network) JoinTopic(ctx context.Context, topic channels.Topic, bootstrap []network.PeerAddress) (network.TopicHandle, error) {
	n.mu.Lock()
	hook := n.joinHook
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return nil, network.ErrTransportClosed
	}
	if hook != nil {
		if err := hook(ctx, topic); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.reachAny(bootstrap); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, network.ErrTransportClosed
	}
	if _, ok := n.topics[topic]; ok {
		return nil, fmt.Errorf("topic %s already joined", topic)
	}

	handle := newTopicHandle(n, topic)
	if !n.hub.manualJoin {
		handle.confirm()
	}
	n.topics[topic] = handle
	n.joinCount[topic]++

	n.log.Debug().Str("topic", topic.String()).Int("bootstrap_peers", len(bootstrap)).Msg("joined topic")
	return handle, nil
}

// reachAny fails if bootstrap peers were given and none of them is plugged into the hub.
func (n *Network) reachAny(bootstrap []network.PeerAddress) error {
	if len(bootstrap) == 0 {
		return nil
	}
	for _, info := range bootstrap {
		if info.ID == n.id || n.hub.GetNetwork(info.ID) != nil {
			return nil
		}
	}
	return fmt.Errorf("none of %d bootstrap peers is reachable", len(bootstrap))
}

func (n *Network) LeaveTopic(handle network.TopicHandle) error {
	n.mu.Lock()
	h, ok := n.topics[handle.Topic()]
	if ok && h == handle {
		delete(n.topics, handle.Topic())
	}
	leaveErr := n.leaveErr
	n.mu.Unlock()

	if th, isStub := handle.(*topicHandle); isStub {
		th.close(network.ErrTopicClosed)
	}
	if !ok || h != handle {
		return fmt.Errorf("topic %s is not joined", handle.Topic())
	}
	return leaveErr
}

func (n *Network) LocalAddress() network.PeerAddress {
	return network.PeerAddress{ID: n.id, Addrs: []multiaddr.Multiaddr{n.addr}}
}

// Close leaves every topic and unplugs the network from the hub.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	handles := make([]*topicHandle, 0, len(n.topics))
	for topic, h := range n.topics {
		handles = append(handles, h)
		delete(n.topics, topic)
	}
	n.mu.Unlock()

	for _, h := range handles {
		h.close(network.ErrTopicClosed)
	}
	n.hub.unplug(n.id)
	return nil
}

// receive queues a message published by another network, if this network joined the topic and
// the validator accepts it.
func (n *Network) receive(topic channels.Topic, from peer.ID, data []byte) {
	n.mu.Lock()
	h, ok := n.topics[topic]
	n.mu.Unlock()
	if !ok {
		return
	}
	if n.validator != nil && !n.validator(from, data) {
		n.log.Debug().Str("topic", topic.String()).Str("from", logging.PeerID(from)).Msg("validator rejected message")
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	h.push(buf)
}

// Inject delivers the bytes on the topic as if a peer had published them. It returns false if the
// topic is not joined.
func (n *Network) Inject(topic channels.Topic, from peer.ID, data []byte) bool {
	n.mu.Lock()
	_, ok := n.topics[topic]
	n.mu.Unlock()
	if ok {
		n.receive(topic, from, data)
	}
	return ok
}

// FailTopic ends the topic's receive stream with err, as a broken transport stream would.
func (n *Network) FailTopic(topic channels.Topic, err error) bool {
	n.mu.Lock()
	h, ok := n.topics[topic]
	n.mu.Unlock()
	if ok {
		h.close(err)
	}
	return ok
}

// ConfirmJoin confirms membership of the topic when the hub requires manual confirmation.
func (n *Network) ConfirmJoin(topic channels.Topic) bool {
	n.mu.Lock()
	h, ok := n.topics[topic]
	n.mu.Unlock()
	if ok {
		h.confirm()
	}
	return ok
}

// OnJoin installs a hook consulted by every subsequent JoinTopic.
func (n *Network) OnJoin(hook JoinHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joinHook = hook
}

// FailJoins makes every subsequent JoinTopic fail with err. A nil err restores normal joins.
func (n *Network) FailJoins(err error) {
	if err == nil {
		n.OnJoin(nil)
		return
	}
	n.OnJoin(func(context.Context, channels.Topic) error { return err })
}

// FailLeave makes every subsequent LeaveTopic return err after releasing the topic.
func (n *Network) FailLeave(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaveErr = err
}

// JoinCount returns how often the topic was joined.
func (n *Network) JoinCount(topic channels.Topic) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joinCount[topic]
}

// IsJoined returns true if the network is currently a member of the topic.
func (n *Network) IsJoined(topic channels.Topic) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.topics[topic]
	return ok
}

// IsClosed returns true once Close was called.
func (n *Network) IsClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
