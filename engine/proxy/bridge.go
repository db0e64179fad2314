package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/module"
	"github.com/braidmesh/braid-gossip/module/component"
	"github.com/braidmesh/braid-gossip/module/irrecoverable"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
)

// ErrBridgeClosed is returned when tracking a path after the bridge shut down.
var ErrBridgeClosed = errors.New("proxy bridge is closed")

const (
	// DefaultClientBuffer is the number of updates queued for one HTTP client before it is
	// considered too slow and disconnected.
	DefaultClientBuffer = 64

	shutdownTimeout = 5 * time.Second
)

// Node is the part of a node the bridge drives.
type Node interface {
	ID() peer.ID
	Address() network.PeerAddress
	Subscribe(ctx context.Context, path string, bootstrap []network.PeerAddress) (*subscription.Subscription, error)
	Unsubscribe(path string) error
	Publish(ctx context.Context, path string, payload []byte) (*codec.Frame, error)
	Subscriptions() []*subscription.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClientBuffer sets the number of updates queued per streaming client.
func WithClientBuffer(n int) Option {
	return func(b *Bridge) {
		b.clientBuffer = n
	}
}

// WithMaxBodySize bounds the body of a PUT request.
func WithMaxBodySize(n int64) Option {
	return func(b *Bridge) {
		b.maxBodySize = n
	}
}

// Bridge serves the documents of a node to local HTTP clients using the Braid protocol.
//
// The bridge is the only reader of the update streams of the subscriptions it opens. Each
// document path has one feed fanning its updates out to every client streaming the path.
type Bridge struct {
	*component.ComponentManager
	log          zerolog.Logger
	node         Node
	metrics      module.ProxyMetrics
	listener     net.Listener
	server       *http.Server
	clientBuffer int
	maxBodySize  int64

	mu      sync.Mutex
	feeds   map[string]*feed
	stopped bool
	wg      sync.WaitGroup
}

// NewBridge returns a bridge serving on the listener once started. The bridge owns the listener.
func NewBridge(log zerolog.Logger, node Node, listener net.Listener, collector module.ProxyMetrics, opts ...Option) *Bridge {
	b := &Bridge{
		log:          log.With().Str("component", "proxy_bridge").Logger(),
		node:         node,
		metrics:      collector,
		listener:     listener,
		clientBuffer: DefaultClientBuffer,
		maxBodySize:  codec.DefaultMaxFrameSize,
		feeds:        make(map[string]*feed),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clientBuffer < 1 {
		b.clientBuffer = 1
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{headerVersion, headerOrigin, headerSubscribe},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
			http.MethodHead},
	})

	// no write timeout, subscriptions stream for as long as the client stays
	b.server = &http.Server{
		Handler:           c.Handler(b.newRouter()),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	b.ComponentManager = component.NewComponentManagerBuilder().
		AddWorker(b.serve).
		Build()

	return b
}

// Addr returns the address the bridge listens on.
func (b *Bridge) Addr() net.Addr {
	return b.listener.Addr()
}

// ClientBuffer returns the number of updates queued per streaming client.
func (b *Bridge) ClientBuffer() int {
	return b.clientBuffer
}

// Track makes the bridge read the updates of the path, subscribing to it if needed. Updates
// are buffered as the latest version of the document until an HTTP client asks for them.
func (b *Bridge) Track(ctx context.Context, path string, bootstrap []network.PeerAddress) error {
	_, err := b.feedFor(ctx, path, bootstrap)
	return err
}

func (b *Bridge) serve(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	b.log.Info().Str("address", b.listener.Addr().String()).Msg("proxy bridge started")
	ready()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(b.listener); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				b.log.Debug().Err(err).Msg("proxy bridge shutdown")
			} else {
				b.log.Err(err).Msg("error running proxy bridge")
			}
		}
	}()

	<-ctx.Done()

	// streaming handlers observe the shutdown signal and return, so Shutdown does not wait on them
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.server.Shutdown(shutdownCtx); err != nil {
		b.log.Warn().Err(err).Msg("proxy bridge did not shut down gracefully")
		_ = b.server.Close()
	}

	b.mu.Lock()
	b.stopped = true
	for _, f := range b.feeds {
		f.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// feedFor returns the feed of the path, subscribing the node to the path if needed.
// Subscribing is idempotent on the node, so a live feed is reused and extra bootstrap peers
// are merged into its subscription.
func (b *Bridge) feedFor(ctx context.Context, path string, bootstrap []network.PeerAddress) (*feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, ErrBridgeClosed
	}
	sub, err := b.node.Subscribe(ctx, path, bootstrap)
	if err != nil {
		return nil, err
	}

	if f, ok := b.feeds[path]; ok && f.sub == sub {
		return f, nil
	}

	f := newFeed(b.log, sub, b.clientBuffer)
	b.feeds[path] = f
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f.run()
		b.mu.Lock()
		if b.feeds[path] == f {
			delete(b.feeds, path)
		}
		b.mu.Unlock()
	}()
	return f, nil
}

// existingFeed returns the feed of the path without subscribing, or nil.
func (b *Bridge) existingFeed(path string) *feed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feeds[path]
}
