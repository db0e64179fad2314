package network

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/model/identity"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
)

// PeerAddress is the network location of a peer: its identifier plus the addresses it can be dialed on.
type PeerAddress = peer.AddrInfo

// Transport is the topic based publish/subscribe layer a node runs on.
// All methods are safe for concurrent use.
type Transport interface {
	// JoinTopic joins the topic and returns a handle to send and receive on it. The bootstrap
	// peers are dialed as initial contacts; an empty set is valid, in which case the transport
	// relies on discovery to find other members.
	// Expected errors during normal operations:
	//  - ErrTransportClosed if the transport was closed
	//  - context errors if ctx expires before the topic is joined
	//  - generic error if no bootstrap peer could be reached or the topic is already joined
	JoinTopic(ctx context.Context, topic channels.Topic, bootstrap []PeerAddress) (TopicHandle, error)

	// LeaveTopic releases the topic membership held by the handle. Pending and future calls to
	// the handle's Next return ErrTopicClosed.
	LeaveTopic(handle TopicHandle) error

	// LocalAddress returns this node's own address.
	LocalAddress() PeerAddress

	// Close leaves every topic and shuts the transport down. Close is idempotent.
	Close() error
}

// TopicHandle is the membership of a Transport in one topic.
type TopicHandle interface {
	Topic() channels.Topic

	// Send publishes the bytes to every other member of the topic.
	Send(ctx context.Context, data []byte) error

	// Next blocks until the next message published by another member arrives.
	// The stream is infinite; it ends only with ErrTopicClosed once the handle was released,
	// or with a context error.
	Next(ctx context.Context) ([]byte, error)

	// Joined is closed once the transport has confirmed membership of the topic, i.e. at
	// least one other member is reachable.
	Joined() <-chan struct{}
}

// MessageValidator decides whether a message authored by the given peer is relayed and delivered.
type MessageValidator func(author peer.ID, data []byte) bool

// TransportParams carries everything a TransportFactory needs to start a transport.
type TransportParams struct {
	Logger         zerolog.Logger
	Identity       *identity.PeerIdentity
	ListenAddrs    []string
	Discovery      discovery.Config
	MaxMessageSize int
	// Validator, if set, is consulted for every message before it is delivered or relayed.
	Validator MessageValidator
}

// TransportFactory starts a transport. It fails if the transport cannot bind or start.
type TransportFactory func(ctx context.Context, params TransportParams) (Transport, error)
