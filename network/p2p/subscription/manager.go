package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/braidmesh/braid-gossip/module"
	"github.com/braidmesh/braid-gossip/module/metrics"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/utils"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

type registry map[string]*Subscription

// Manager owns the subscriptions of one node: at most one per document path.
//
// Subscribe, Unsubscribe and Close are serialized against each other. Get, IsSubscribed and
// Subscriptions read a snapshot of the registry and never wait for them.
type Manager struct {
	log       zerolog.Logger
	transport network.Transport
	codec     *codec.Codec
	metrics   module.SubscriptionMetrics
	cfg       Config
	limiter   *utils.RateLimiter

	opMu     sync.Mutex
	registry *atomic.Pointer[registry]
	closed   *atomic.Bool
	wg       sync.WaitGroup
}

// NewManager returns a manager joining topics through the transport.
func NewManager(log zerolog.Logger, transport network.Transport, c *codec.Codec, collector module.SubscriptionMetrics, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscription config: %w", err)
	}
	limiter, err := utils.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.RateLimiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create rate limiter: %w", err)
	}

	empty := registry{}
	return &Manager{
		log: log.With().
			Str("component", "subscription_manager").
			Str("peer_id", logging.PeerID(transport.LocalAddress().ID)).
			Logger(),
		transport: transport,
		codec:     c,
		metrics:   collector,
		cfg:       cfg,
		limiter:   limiter,
		registry:  atomic.NewPointer(&empty),
		closed:    atomic.NewBool(false),
	}, nil
}

// Subscribe returns the live subscription of the path, joining its topic if there is none.
//
// Subscribing to a path that already has a live subscription returns that subscription; the
// bootstrap peers are added to its tracked set and nothing is joined or dialed.
//
// Expected errors:
// - channels.InvalidPathError if the path is empty or malformed
// - JoinFailedError if the transport could not join the topic, wrapping a network.TimeoutError
// if it did not do so within the join timeout
// - ErrManagerClosed after Close
func (m *Manager) Subscribe(ctx context.Context, path string, bootstrap []network.PeerAddress) (*Subscription, error) {
	if err := channels.ValidatePath(path); err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	if sub := m.Get(path); sub != nil {
		sub.mergeBootstrap(bootstrap)
		m.log.Debug().
			Str("path", path).
			Int("bootstrap_peers", len(sub.Bootstrap())).
			Msg("path already subscribed, returning existing subscription")
		return sub, nil
	}

	topic := channels.TopicFromPath(path)
	start := time.Now()

	joinCtx, cancelJoin := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	handle, err := m.transport.JoinTopic(joinCtx, topic, bootstrap)
	timedOut := errors.Is(joinCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelJoin()
	if err != nil {
		if timedOut {
			err = network.NewTimeoutErr("joining topic "+topic.String(), m.cfg.JoinTimeout)
		}
		return nil, NewJoinFailedErr(path, topic, err)
	}

	deliveryCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(path, handle, bootstrap, cancel)
	sub.openedAt = start

	dedup, err := lru.New[codec.FrameID, struct{}](m.cfg.DedupCacheSize)
	if err != nil {
		// size is validated in NewManager
		cancel()
		_ = m.transport.LeaveTopic(handle)
		return nil, fmt.Errorf("could not create dedup cache: %w", err)
	}

	m.store(path, sub)
	m.metrics.SubscriptionOpened()

	m.wg.Add(2)
	go m.deliver(deliveryCtx, sub, dedup)
	go m.awaitJoined(deliveryCtx, sub)

	m.log.Info().
		Str("path", path).
		Str("topic", topic.String()).
		Strs("bootstrap_peers", logging.AddrInfos(bootstrap)).
		Dur("join_duration", time.Since(start)).
		Msg("subscribed to document")

	return sub, nil
}

// Unsubscribe closes the subscription of the path: its delivery task is cancelled and awaited,
// the topic is left and readers of Updates observe end-of-stream.
//
// Expected errors:
// - ErrNotSubscribed if the path has no live subscription
// - generic error if the transport failed to leave the topic; the subscription is closed regardless
func (m *Manager) Unsubscribe(path string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	sub := m.Get(path)
	if sub == nil {
		return ErrNotSubscribed
	}
	released, err := m.release(sub, metrics.CloseReasonUnsubscribed, nil)
	if !released {
		return ErrNotSubscribed
	}
	return err
}

// Close closes every live subscription and waits for all delivery tasks to exit. Subsequent
// subscribes fail with ErrManagerClosed. Close is idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.opMu.Lock()
	var errs *multierror.Error
	for _, sub := range m.Subscriptions() {
		if _, err := m.release(sub, metrics.CloseReasonShutdown, nil); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.opMu.Unlock()

	m.wg.Wait()
	return errs.ErrorOrNil()
}

// Publish encodes the frame and sends it on the topic of its path.
//
// Expected errors:
// - ErrNotSubscribed if the frame's path has no live subscription
// - codec.ErrFrameTooLarge if the frame exceeds the maximum frame size
func (m *Manager) Publish(ctx context.Context, frame *codec.Frame) error {
	sub := m.Get(frame.Path)
	if sub == nil {
		return ErrNotSubscribed
	}
	data, err := m.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("could not encode frame: %w", err)
	}
	if err := sub.handle.Send(ctx, data); err != nil {
		return fmt.Errorf("could not publish on topic %s: %w", sub.topic, err)
	}
	m.metrics.FramePublished(len(data))
	return nil
}

// Get returns the live subscription of the path, or nil.
func (m *Manager) Get(path string) *Subscription {
	sub, ok := (*m.registry.Load())[path]
	if !ok || sub.Status() == Closed {
		return nil
	}
	return sub
}

// IsSubscribed returns true if the path has a live subscription.
func (m *Manager) IsSubscribed(path string) bool {
	return m.Get(path) != nil
}

// Subscriptions returns the live subscriptions ordered by path.
func (m *Manager) Subscriptions() []*Subscription {
	snapshot := *m.registry.Load()
	subs := make([]*Subscription, 0, len(snapshot))
	for _, sub := range snapshot {
		if sub.Status() != Closed {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].path < subs[j].path })
	return subs
}

// release closes a subscription. It returns false if another caller already did.
func (m *Manager) release(sub *Subscription, reason string, cause error) (bool, error) {
	if !sub.markClosed(cause) {
		return false, nil
	}
	m.remove(sub)

	sub.cancel()
	<-sub.done

	err := m.transport.LeaveTopic(sub.handle)
	m.metrics.SubscriptionClosed(reason)

	lg := m.log.With().Str("path", sub.path).Str("topic", sub.topic.String()).Str("reason", reason).Logger()
	if err != nil {
		lg.Warn().Err(err).Msg("could not leave topic")
		return true, fmt.Errorf("could not leave topic %s of path %q: %w", sub.topic, sub.path, err)
	}
	lg.Info().Msg("unsubscribed from document")
	return true, nil
}

// deliver moves frames from the topic to the subscription's update stream until the
// subscription is cancelled or the receive stream fails.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, dedup *lru.Cache[codec.FrameID, struct{}]) {
	defer m.wg.Done()
	defer close(sub.done)
	defer close(sub.updates)

	lg := m.log.With().Str("path", sub.path).Str("topic", sub.topic.String()).Logger()

	for {
		data, err := sub.handle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.streamFailed(sub, err)
			return
		}

		frame, reason := m.accept(lg, sub, dedup, data)
		if frame == nil {
			m.metrics.FrameDropped(reason)
			continue
		}

		if ctx.Err() != nil || sub.Status() == Closed {
			return
		}
		// A reader already blocked on Updates may still take this frame while an unsubscribe is in
		// progress. Nothing is handed over once Unsubscribe returned, since it waits for this task.
		select {
		case sub.updates <- frame:
			m.metrics.FrameReceived(len(data))
		case <-sub.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// accept decodes a received message and checks it may be delivered. A nil frame is returned with
// the reason it was dropped.
func (m *Manager) accept(lg zerolog.Logger, sub *Subscription, dedup *lru.Cache[codec.FrameID, struct{}], data []byte) (*codec.Frame, string) {
	if len(data) > m.codec.MaxFrameSize() {
		lg.Warn().Int("size", len(data)).Msg("dropping oversized frame")
		return nil, metrics.DropReasonOversized
	}

	frame, err := m.codec.Decode(data)
	if err != nil {
		lg.Warn().Err(err).Int("size", len(data)).Msg("dropping undecodable frame")
		if codec.IsTruncatedFrameErr(err) {
			return nil, metrics.DropReasonTruncated
		}
		return nil, metrics.DropReasonMalformed
	}

	if frame.Path != sub.path {
		lg.Warn().Str("frame_path", frame.Path).Str("origin", logging.PeerID(frame.Origin)).Msg("dropping frame for another path")
		return nil, metrics.DropReasonPathMismatch
	}

	if !m.limiter.Allow(frame.Origin) {
		lg.Debug().Str("origin", logging.PeerID(frame.Origin)).Msg("dropping rate limited frame")
		return nil, metrics.DropReasonRateLimited
	}

	if found, _ := dedup.ContainsOrAdd(frame.ID(), struct{}{}); found {
		lg.Trace().Str("origin", logging.PeerID(frame.Origin)).Uint64("token", frame.Token).Msg("dropping duplicate frame")
		return nil, metrics.DropReasonDuplicate
	}

	return frame, ""
}

// streamFailed closes a subscription whose receive stream ended on its own. Other subscriptions
// are not affected.
func (m *Manager) streamFailed(sub *Subscription, cause error) {
	if !sub.markClosed(cause) {
		return
	}
	m.remove(sub)
	sub.cancel()

	lg := m.log.With().Str("path", sub.path).Str("topic", sub.topic.String()).Logger()
	lg.Error().Err(cause).Msg("receive stream failed, closing subscription")

	if err := m.transport.LeaveTopic(sub.handle); err != nil {
		lg.Warn().Err(err).Msg("could not leave topic after stream failure")
	}
	m.metrics.SubscriptionClosed(metrics.CloseReasonStreamFailed)
}

// awaitJoined moves the subscription to Active once the transport confirms membership.
func (m *Manager) awaitJoined(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()

	select {
	case <-sub.handle.Joined():
		if sub.markActive() {
			m.metrics.SubscriptionActivated(time.Since(sub.openedAt))
			m.log.Debug().Str("path", sub.path).Msg("topic membership confirmed")
		}
	case <-ctx.Done():
	}
}

func (m *Manager) store(path string, sub *Subscription) {
	for {
		current := m.registry.Load()
		next := make(registry, len(*current)+1)
		for p, s := range *current {
			next[p] = s
		}
		next[path] = sub
		if m.registry.CompareAndSwap(current, &next) {
			return
		}
	}
}

// remove deletes the subscription from the registry unless it was already replaced.
func (m *Manager) remove(sub *Subscription) {
	for {
		current := m.registry.Load()
		if (*current)[sub.path] != sub {
			return
		}
		next := make(registry, len(*current))
		for p, s := range *current {
			if p != sub.path {
				next[p] = s
			}
		}
		if m.registry.CompareAndSwap(current, &next) {
			return
		}
	}
}
