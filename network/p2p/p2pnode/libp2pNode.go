// Package p2pnode implements the topic transport on a libp2p host running GossipSub.
package p2pnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

const (
	// maximum number of attempts to be made to connect to a bootstrap peer
	maxConnectAttempts = 3
	connectBackoffBase = 100 * time.Millisecond
	// discovered peers are dialed in the background with this bound
	discoveredPeerConnectTimeout = 10 * time.Second

	maxTopicCloseAttempts = 5
	topicCloseBackoff     = 10 * time.Millisecond
)

// Node is a wrapper around the LibP2P host implementing network.Transport.
type Node struct {
	mu        sync.Mutex
	host      host.Host                       // reference to the libp2p host (https://godoc.org/github.com/libp2p/go-libp2p/core/host)
	pubSub    *pubsub.PubSub                  // reference to the libp2p PubSub component
	logger    zerolog.Logger                  // used to provide logging
	topics    map[channels.Topic]*topicHandle // map of a topic to the handle joined on it
	validator network.MessageValidator
	dht       *dht.IpfsDHT
	discovery []discovery.Service

	ctx    context.Context // outlives the spawn context; cancelled on Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

var _ network.Transport = (*Node)(nil)

// JoinTopic dials the bootstrap peers, joins the topic and subscribes to it.
// Joining fails if bootstrap peers were given but none could be connected.
func (n *Node) JoinTopic(ctx context.Context, topic channels.Topic, bootstrap []network.PeerAddress) (network.TopicHandle, error) {
	if n.isClosed() {
		return nil, network.ErrTransportClosed
	}

	if err := n.connectBootstrap(ctx, bootstrap); err != nil {
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

	if n.validator != nil {
		validator := n.validator
		err := n.pubSub.RegisterTopicValidator(topic.String(), func(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
			return validator(msg.GetFrom(), msg.Data)
		})
		if err != nil {
			return nil, fmt.Errorf("could not register validator for topic %s: %w", topic, err)
		}
	}

	tp, err := n.pubSub.Join(topic.String())
	if err != nil {
		n.unregisterValidator(topic)
		return nil, fmt.Errorf("could not join topic %s: %w", topic, err)
	}

	sub, err := tp.Subscribe()
	if err != nil {
		_ = tp.Close()
		n.unregisterValidator(topic)
		return nil, fmt.Errorf("could not subscribe to topic %s: %w", topic, err)
	}

	events, err := tp.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = tp.Close()
		n.unregisterValidator(topic)
		return nil, fmt.Errorf("could not watch peers of topic %s: %w", topic, err)
	}

	h := newTopicHandle(n.host.ID(), topic, tp, sub, events)
	n.topics[topic] = h

	n.logger.Debug().
		Str("topic", topic.String()).
		Int("bootstrap_peers", len(bootstrap)).
		Msg("subscribed to topic")

	return h, nil
}

// LeaveTopic cancels the subscription and closes the topic.
func (n *Node) LeaveTopic(handle network.TopicHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.topics[handle.Topic()]
	if !ok || network.TopicHandle(h) != handle {
		return fmt.Errorf("could not find topic (%s)", handle.Topic())
	}
	delete(n.topics, handle.Topic())

	return n.leave(h)
}

func (n *Node) leave(h *topicHandle) error {
	h.close()
	n.unregisterValidator(h.topic)

	// the topic can only be closed once pubsub processed the cancellation of its subscription
	backoff := retry.WithMaxRetries(maxTopicCloseAttempts-1, retry.NewConstant(topicCloseBackoff))
	err := retry.Do(context.Background(), backoff, func(context.Context) error {
		if err := h.tp.Close(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not close topic (%s): %w", h.topic, err)
	}

	n.logger.Debug().
		Str("topic", h.topic.String()).
		Msg("unsubscribed from topic")
	return nil
}

func (n *Node) unregisterValidator(topic channels.Topic) {
	if n.validator == nil {
		return
	}
	if err := n.pubSub.UnregisterTopicValidator(topic.String()); err != nil {
		n.logger.Debug().Err(err).Str("topic", topic.String()).Msg("could not unregister topic validator")
	}
}

// LocalAddress returns the peer id and listen addresses of the host.
func (n *Node) LocalAddress() network.PeerAddress {
	return network.PeerAddress{ID: n.host.ID(), Addrs: n.host.Addrs()}
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// ListPeers returns the peers known to be subscribed to the topic.
func (n *Node) ListPeers(topic channels.Topic) []peer.ID {
	return n.pubSub.ListPeers(topic.String())
}

// Close leaves every topic, stops discovery and closes the host. Close is idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true

	var result *multierror.Error
	n.logger.Debug().Msg("unsubscribing from all topics")
	for topic, h := range n.topics {
		delete(n.topics, topic)
		if err := n.leave(h); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.mu.Unlock()

	for _, svc := range n.discovery {
		if err := svc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("could not stop discovery: %w", err))
		}
	}

	n.cancel()
	n.wg.Wait()

	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("could not close dht: %w", err))
		}
	}

	n.logger.Debug().Msg("stopping libp2p node")
	if err := n.host.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	n.logger.Debug().Msg("libp2p node stopped")
	return result.ErrorOrNil()
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// connectBootstrap dials every bootstrap peer with retries. It fails only if peers were given and
// none of them could be connected.
func (n *Node) connectBootstrap(ctx context.Context, bootstrap []network.PeerAddress) error {
	var errs *multierror.Error
	attempted := 0
	for _, info := range bootstrap {
		if info.ID == n.host.ID() {
			continue
		}
		attempted++
		if err := n.connect(ctx, info); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not connect to %s: %w", logging.PeerID(info.ID), err))
			continue
		}
		return nil
	}
	if attempted == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("none of %d bootstrap peers is reachable: %w", attempted, errs.ErrorOrNil())
}

func (n *Node) connect(ctx context.Context, info peer.AddrInfo) error {
	backoff := retry.WithMaxRetries(maxConnectAttempts-1, retry.NewExponential(connectBackoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.host.Connect(ctx, info); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// connectDiscovered dials a peer found by discovery in the background.
func (n *Node) connectDiscovered(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, discoveredPeerConnectTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, info); err != nil {
			n.logger.Debug().Err(err).Str("peer_id", logging.PeerID(info.ID)).Msg("could not connect to discovered peer")
			return
		}
		n.logger.Debug().Str("peer_id", logging.PeerID(info.ID)).Msg("connected to discovered peer")
	}()
}
