package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
)

// Hub connects in-memory networks so that they deliver topic messages directly to each other.
// Every network plugged into the hub can reach every other one.
type Hub struct {
	mu       sync.RWMutex
	networks map[peer.ID]*Network
	order    []peer.ID

	manualJoin bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithManualJoinConfirmation keeps topic handles unconfirmed until ConfirmJoin is called,
// instead of confirming them as soon as they are joined.
func WithManualJoinConfirmation() HubOption {
	return func(h *Hub) {
		h.manualJoin = true
	}
}

// NewNetworkHub returns a hub without networks.
func NewNetworkHub(opts ...HubOption) *Hub {
	hub := &Hub{
		networks: make(map[peer.ID]*Network),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// Factory returns a transport factory creating networks plugged into this hub.
func (hub *Hub) Factory() network.TransportFactory {
	return func(_ context.Context, params network.TransportParams) (network.Transport, error) {
		return hub.NewNetwork(params)
	}
}

// NewNetwork creates a network for the identity in params and plugs it into the hub.
// It fails if a network with the same peer id is already plugged in.
func (hub *Hub) NewNetwork(params network.TransportParams) (*Network, error) {
	if params.Identity == nil {
		return nil, fmt.Errorf("missing identity")
	}
	id := params.Identity.ID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, ok := hub.networks[id]; ok {
		return nil, fmt.Errorf("peer %s is already plugged into the hub", id)
	}
	hub.order = append(hub.order, id)
	net := newNetwork(hub, id, len(hub.order), params)
	hub.networks[id] = net
	return net, nil
}

// GetNetwork returns the network of the peer, or nil if it is not plugged in.
func (hub *Hub) GetNetwork(id peer.ID) *Network {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.networks[id]
}

func (hub *Hub) unplug(id peer.ID) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.networks, id)
}

// broadcast hands the message to every other network that joined the topic.
func (hub *Hub) broadcast(topic channels.Topic, from peer.ID, data []byte) {
	hub.mu.RLock()
	targets := make([]*Network, 0, len(hub.networks))
	for id, net := range hub.networks {
		if id != from {
			targets = append(targets, net)
		}
	}
	hub.mu.RUnlock()

	for _, net := range targets {
		net.receive(topic, from, data)
	}
}
