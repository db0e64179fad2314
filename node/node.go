package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/braidmesh/braid-gossip/engine/proxy"
	"github.com/braidmesh/braid-gossip/model/identity"
	"github.com/braidmesh/braid-gossip/module"
	"github.com/braidmesh/braid-gossip/module/component"
	"github.com/braidmesh/braid-gossip/module/irrecoverable"
	"github.com/braidmesh/braid-gossip/module/metrics"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

// Node is a running peer: its identity, transport, subscriptions, and optionally the HTTP
// bridge and the metrics endpoint. All methods are safe for concurrent use.
type Node struct {
	log           zerolog.Logger
	cfg           Config
	identity      *identity.PeerIdentity
	codec         *codec.Codec
	transport     network.Transport
	subscriptions *subscription.Manager

	registry *prometheus.Registry
	bridge   *proxy.Bridge
	bridgeC  *runningComponent
	server   *metrics.Server
	serverC  *runningComponent

	tokens   *atomic.Uint64
	shutdown *atomic.Bool
}

var _ proxy.Node = (*Node)(nil)

// Spawn starts a node: it resolves the identity, starts the transport, and binds the proxy and
// metrics listeners when enabled. The context bounds startup only.
//
// Expected errors:
// - identity.InvalidKeyError if the identity override is not a valid key
// - TransportInitFailedError if the transport could not start or a listener could not bind;
// everything started so far is released
func Spawn(ctx context.Context, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	id, err := resolveIdentity(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		identity: id,
		codec: codec.NewCodec(
			codec.WithMaxFrameSize(cfg.MaxFrameSize),
			codec.WithCompressionThreshold(cfg.CompressionThreshold),
		),
		// seeded from the wall clock so tokens keep increasing across restarts
		tokens:   atomic.NewUint64(uint64(time.Now().UnixNano())),
		shutdown: atomic.NewBool(false),
	}
	n.log = cfg.Logger.With().
		Str("component", "node").
		Str("peer_id", logging.PeerID(id.ID())).
		Logger()

	var subMetrics module.SubscriptionMetrics = metrics.NewNoopCollector()
	var proxyMetrics module.ProxyMetrics = metrics.NewNoopCollector()
	if cfg.Metrics.Enabled {
		n.registry = prometheus.NewRegistry()
		subMetrics = metrics.NewSubscriptionCollector(n.registry)
		proxyMetrics = metrics.NewProxyCollector(n.registry)
	}

	n.transport, err = cfg.Transport(ctx, network.TransportParams{
		Logger:         cfg.Logger,
		Identity:       id,
		ListenAddrs:    cfg.ListenAddrs,
		Discovery:      cfg.Discovery,
		MaxMessageSize: cfg.MaxFrameSize,
		Validator:      originValidator(n.codec),
	})
	if err != nil {
		return nil, NewTransportInitFailedErr(err)
	}

	n.subscriptions, err = subscription.NewManager(cfg.Logger, n.transport, n.codec, subMetrics, cfg.Subscription)
	if err != nil {
		return nil, n.abort(fmt.Errorf("could not create subscription manager: %w", err))
	}

	if cfg.Proxy.Enabled {
		listener, err := net.Listen("tcp", cfg.Proxy.Addr)
		if err != nil {
			return nil, n.abort(NewTransportInitFailedErr(fmt.Errorf("could not bind proxy on %s: %w", cfg.Proxy.Addr, err)))
		}
		opts := []proxy.Option{proxy.WithMaxBodySize(int64(cfg.MaxFrameSize))}
		if cfg.Proxy.ClientBuffer > 0 {
			opts = append(opts, proxy.WithClientBuffer(cfg.Proxy.ClientBuffer))
		}
		n.bridge = proxy.NewBridge(cfg.Logger, n, listener, proxyMetrics, opts...)
		n.bridgeC, err = startComponent(ctx, n.bridge)
		if err != nil {
			_ = listener.Close()
			return nil, n.abort(NewTransportInitFailedErr(fmt.Errorf("could not start proxy: %w", err)))
		}
	}

	if cfg.Metrics.Enabled {
		n.server = metrics.NewServer(cfg.Logger, cfg.Metrics.Addr, n.registry)
		n.serverC, err = startComponent(ctx, n.server)
		if err != nil {
			return nil, n.abort(NewTransportInitFailedErr(fmt.Errorf("could not start metrics server: %w", err)))
		}
	}

	n.log.Info().
		Strs("addresses", network.PeerAddressStrings(n.transport.LocalAddress())).
		Bool("proxy", cfg.Proxy.Enabled).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("node started")

	return n, nil
}

func resolveIdentity(cfg Config) (*identity.PeerIdentity, error) {
	if len(cfg.IdentityOverride) > 0 {
		id, err := identity.ResolveOverride(cfg.IdentityOverride)
		if err != nil {
			return nil, fmt.Errorf("could not use identity override: %w", err)
		}
		return id, nil
	}
	return identity.Resolve(cfg.Name), nil
}

// originValidator rejects frames claiming an origin other than their author. Frames that do
// not decode are let through so the subscriber can drop and count them.
func originValidator(c *codec.Codec) network.MessageValidator {
	return func(author peer.ID, data []byte) bool {
		frame, err := c.Decode(data)
		if err != nil {
			return true
		}
		return frame.Origin == author
	}
}

// abort releases everything started so far and returns err.
func (n *Node) abort(err error) error {
	if releaseErr := n.release(); releaseErr != nil {
		n.log.Warn().Err(releaseErr).Msg("could not release node after failed startup")
	}
	return err
}

// ID returns the peer id of the node.
func (n *Node) ID() peer.ID {
	return n.identity.ID()
}

func (n *Node) Identity() *identity.PeerIdentity {
	return n.identity
}

// Address returns the peer id and dial addresses of the node.
func (n *Node) Address() network.PeerAddress {
	return n.transport.LocalAddress()
}

// Bridge returns the HTTP bridge, or nil if the proxy is disabled.
func (n *Node) Bridge() *proxy.Bridge {
	return n.bridge
}

// ProxyAddr returns the address of the HTTP bridge, or nil if the proxy is disabled.
func (n *Node) ProxyAddr() net.Addr {
	if n.bridge == nil {
		return nil
	}
	return n.bridge.Addr()
}

// MetricsAddr returns the address of the metrics endpoint, or nil if metrics are disabled.
func (n *Node) MetricsAddr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// Subscribe subscribes the node to the document path; see subscription.Manager.Subscribe.
//
// Expected errors:
// - channels.InvalidPathError if the path is malformed
// - subscription.JoinFailedError if the topic could not be joined
// - ErrNodeShutdown after Shutdown
func (n *Node) Subscribe(ctx context.Context, path string, bootstrap []network.PeerAddress) (*subscription.Subscription, error) {
	if n.shutdown.Load() {
		return nil, ErrNodeShutdown
	}
	sub, err := n.subscriptions.Subscribe(ctx, path, bootstrap)
	if errors.Is(err, subscription.ErrManagerClosed) {
		return nil, ErrNodeShutdown
	}
	return sub, err
}

// Unsubscribe closes the subscription of the path.
//
// Expected errors:
// - subscription.ErrNotSubscribed if the path has no live subscription
// - ErrNodeShutdown after Shutdown
func (n *Node) Unsubscribe(path string) error {
	if n.shutdown.Load() {
		return ErrNodeShutdown
	}
	return n.subscriptions.Unsubscribe(path)
}

// Publish sends the payload as the next version of the document to every subscriber of the
// path. The node must be subscribed to the path. The returned frame carries the ordering token
// assigned to the update.
//
// Expected errors:
// - channels.InvalidPathError if the path is malformed
// - subscription.ErrNotSubscribed if the path has no live subscription
// - codec.ErrFrameTooLarge if the update exceeds the maximum frame size
// - ErrNodeShutdown after Shutdown
func (n *Node) Publish(ctx context.Context, path string, payload []byte) (*codec.Frame, error) {
	if err := channels.ValidatePath(path); err != nil {
		return nil, err
	}
	if n.shutdown.Load() {
		return nil, ErrNodeShutdown
	}
	frame := &codec.Frame{
		Path:    path,
		Payload: payload,
		Origin:  n.ID(),
		Token:   n.tokens.Inc(),
	}
	if err := n.subscriptions.Publish(ctx, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Subscriptions returns the live subscriptions ordered by path.
func (n *Node) Subscriptions() []*subscription.Subscription {
	return n.subscriptions.Subscriptions()
}

// IsSubscribed returns true if the node has a live subscription to the path.
func (n *Node) IsSubscribed(path string) bool {
	return n.subscriptions.IsSubscribed(path)
}

// Shutdown closes the proxy, every subscription, the transport and the metrics endpoint, in
// that order. Shutdown is idempotent; calls after the first return nil.
//
// Expected errors:
// - network.TimeoutError if releasing did not complete within the shutdown timeout; releasing
// continues in the background
// - aggregated release errors otherwise
func (n *Node) Shutdown() error {
	if !n.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- n.release()
	}()

	timer := time.NewTimer(n.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			n.log.Warn().Err(err).Msg("node shut down with errors")
			return err
		}
		n.log.Info().Msg("node shut down")
		return nil
	case <-timer.C:
		n.log.Error().Dur("timeout", n.cfg.ShutdownTimeout).Msg("node did not shut down in time")
		return network.NewTimeoutErr("node shutdown", n.cfg.ShutdownTimeout)
	}
}

// release stops whatever has been started, in dependency order.
func (n *Node) release() error {
	var errs *multierror.Error
	if n.bridgeC != nil {
		if err := n.bridgeC.stop(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not stop proxy: %w", err))
		}
	}
	if n.subscriptions != nil {
		if err := n.subscriptions.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close subscriptions: %w", err))
		}
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close transport: %w", err))
		}
	}
	if n.serverC != nil {
		if err := n.serverC.stop(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not stop metrics server: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// runningComponent is a started component with its own cancellation and error channel.
type runningComponent struct {
	component component.Component
	cancel    context.CancelFunc
	errs      <-chan error
}

// startComponent starts c and waits until it is ready. It fails if c throws before it is
// ready or ctx expires first. An error thrown later is returned by stop.
func startComponent(ctx context.Context, c component.Component) (*runningComponent, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	signalerCtx, errs := irrecoverable.WithSignaler(runCtx)
	c.Start(signalerCtx)

	rc := &runningComponent{component: c, cancel: cancel, errs: errs}
	select {
	case <-c.Ready():
		return rc, nil
	case err := <-errs:
		cancel()
		<-c.Done()
		return nil, err
	case <-ctx.Done():
		cancel()
		<-c.Done()
		return nil, ctx.Err()
	}
}

func (rc *runningComponent) stop() error {
	rc.cancel()
	<-rc.component.Done()
	select {
	case err := <-rc.errs:
		return err
	default:
		return nil
	}
}
