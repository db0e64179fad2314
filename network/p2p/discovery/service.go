package discovery

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerHandler is called for every peer a discovery service finds. It may be called
// concurrently and must not block for long.
type PeerHandler func(peer.AddrInfo)

// Service is a running discovery mechanism.
type Service interface {
	// Start begins advertising this node and looking for others. The context bounds startup
	// only; the service runs until Close.
	Start(ctx context.Context) error
	Close() error
}
