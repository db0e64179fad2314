package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/braidmesh/braid-gossip/module/metrics"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/mocknetwork"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/network/stub"
	"github.com/braidmesh/braid-gossip/utils/unittest"
)

const timeout = 2 * time.Second

func newManager(t *testing.T, hub *stub.Hub, cfg subscription.Config) (*subscription.Manager, *stub.Network) {
	net, err := hub.NewNetwork(network.TransportParams{
		Logger:   unittest.Logger(),
		Identity: unittest.PeerIdentityFixture(),
	})
	require.NoError(t, err)

	mgr, err := subscription.NewManager(unittest.Logger(), net, codec.NewCodec(), metrics.NewNoopCollector(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = mgr.Close()
		_ = net.Close()
	})
	return mgr, net
}

func requireFrame(t *testing.T, sub *subscription.Subscription) *codec.Frame {
	select {
	case frame, ok := <-sub.Updates():
		require.True(t, ok, "update stream ended")
		return frame
	case <-time.After(timeout):
		require.FailNow(t, "no frame delivered")
		return nil
	}
}

func requireEndOfStream(t *testing.T, sub *subscription.Subscription) {
	select {
	case frame, ok := <-sub.Updates():
		require.False(t, ok, "unexpected frame %v", frame)
	case <-time.After(timeout):
		require.FailNow(t, "update stream did not end")
	}
}

func inject(t *testing.T, net *stub.Network, frame *codec.Frame) {
	require.True(t, net.Inject(channels.TopicFromPath(frame.Path), frame.Origin, unittest.EncodedFrameFixture(t, frame)))
}

func TestSubscribe_InvalidPath(t *testing.T) {
	transport := mocknetwork.NewTransport(t)
	transport.On("LocalAddress").Return(network.PeerAddress{ID: unittest.PeerIDFixture(t)})

	mgr, err := subscription.NewManager(unittest.Logger(), transport, codec.NewCodec(), metrics.NewNoopCollector(), subscription.DefaultConfig())
	require.NoError(t, err)

	for _, path := range []string{"", "with\x00nul"} {
		_, err = mgr.Subscribe(context.Background(), path, nil)
		require.Error(t, err)
		assert.True(t, channels.IsInvalidPathErr(err))
	}
	transport.AssertNotCalled(t, "JoinTopic", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, mgr.Subscriptions())
}

func TestSubscribe_Idempotent(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	_, other := newManager(t, hub, subscription.DefaultConfig())
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	first, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	second, err := mgr.Subscribe(ctx, "/doc1", []network.PeerAddress{other.LocalAddress()})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, net.JoinCount(channels.TopicFromPath("/doc1")))
	require.Len(t, first.Bootstrap(), 1)
	assert.Equal(t, other.LocalAddress().ID, first.Bootstrap()[0].ID)
	assert.Len(t, mgr.Subscriptions(), 1)
}

func TestSubscribe_DeliversAcrossPeers(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	alice, aliceNet := newManager(t, hub, subscription.DefaultConfig())
	bob, _ := newManager(t, hub, subscription.DefaultConfig())

	_, err := alice.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	sub, err := bob.Subscribe(ctx, "/doc1", []network.PeerAddress{aliceNet.LocalAddress()})
	require.NoError(t, err)
	require.Equal(t, channels.TopicFromPath("/doc1"), sub.Topic())

	frame := unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameOrigin(aliceNet.LocalAddress().ID))
	require.NoError(t, alice.Publish(ctx, frame))

	received := requireFrame(t, sub)
	assert.Equal(t, frame.Payload, received.Payload)
	assert.Equal(t, frame.Origin, received.Origin)
	assert.Equal(t, frame.Token, received.Token)
}

func TestSubscribe_BecomesActive(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub(stub.WithManualJoinConfirmation())
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	assert.Equal(t, subscription.Joining, sub.Status())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.True(t, network.IsTimeoutErr(sub.AwaitActive(short)))

	// frames are delivered before membership is confirmed
	inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc1")))
	requireFrame(t, sub)

	require.True(t, net.ConfirmJoin(sub.Topic()))
	require.NoError(t, sub.AwaitActive(ctx))
	assert.Equal(t, subscription.Active, sub.Status())
}

func TestUnsubscribe(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())
	topic := channels.TopicFromPath("/doc1")

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Unsubscribe("/doc1"))
	requireEndOfStream(t, sub)
	assert.Equal(t, subscription.Closed, sub.Status())
	assert.NoError(t, sub.Err())
	assert.False(t, mgr.IsSubscribed("/doc1"))
	assert.False(t, net.IsJoined(topic))
	assert.ErrorIs(t, sub.AwaitActive(ctx), subscription.ErrSubscriptionClosed)
	unittest.RequireCloseBefore(t, sub.Done(), timeout, "delivery task did not exit")

	assert.ErrorIs(t, mgr.Unsubscribe("/doc1"), subscription.ErrNotSubscribed)
	assert.ErrorIs(t, mgr.Unsubscribe("/never"), subscription.ErrNotSubscribed)

	// a new subscription joins again
	again, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	assert.NotSame(t, sub, again)
	assert.Equal(t, 2, net.JoinCount(topic))
}

// TestUnsubscribe_DiscardsInFlightFrame checks that a frame waiting for a reader is dropped, not
// delivered, when the subscription is cancelled.
func TestUnsubscribe_DiscardsInFlightFrame(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc1")))

	unittest.RequireReturnsBefore(t, func() {
		require.NoError(t, mgr.Unsubscribe("/doc1"))
	}, timeout, "unsubscribe blocked on the pending frame")
	requireEndOfStream(t, sub)
}

// TestUnsubscribe_WithBlockedReader checks that a reader waiting on the stream during an
// unsubscribe gets at most the in-flight frame and then end-of-stream.
func TestUnsubscribe_WithBlockedReader(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	for i := 0; i < 20; i++ {
		sub, err := mgr.Subscribe(ctx, "/doc1", nil)
		require.NoError(t, err)

		received := make(chan int, 1)
		go func() {
			count := 0
			for range sub.Updates() {
				count++
			}
			received <- count
		}()

		inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc1")))
		unittest.RequireReturnsBefore(t, func() {
			require.NoError(t, mgr.Unsubscribe("/doc1"))
		}, timeout, "unsubscribe blocked on the reader")
		assert.False(t, net.IsJoined(channels.TopicFromPath("/doc1")))

		select {
		case count := <-received:
			assert.LessOrEqual(t, count, 1)
		case <-time.After(timeout):
			require.FailNow(t, "update stream did not end")
		}
		assert.Equal(t, subscription.Closed, sub.Status())
	}
}

func TestDelivery_DropsInvalidFrames(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())
	topic := channels.TopicFromPath("/doc1")

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)

	valid := unittest.FrameFixture(unittest.WithFramePath("/doc1"))
	encoded := unittest.EncodedFrameFixture(t, valid)
	origin := unittest.PeerIDFixture(t)

	require.True(t, net.Inject(topic, origin, []byte("garbage")))
	require.True(t, net.Inject(topic, origin, encoded[:len(encoded)-1]))
	// a frame for another path on this topic
	require.True(t, net.Inject(topic, origin, unittest.EncodedFrameFixture(t, unittest.FrameFixture(unittest.WithFramePath("/doc2")))))
	require.True(t, net.Inject(topic, origin, encoded))

	// the stream survives and only the valid frame is delivered
	received := requireFrame(t, sub)
	assert.Equal(t, valid.Token, received.Token)
	assert.Equal(t, valid.Payload, received.Payload)
	assert.True(t, mgr.IsSubscribed("/doc1"))
}

func TestDelivery_SuppressesDuplicates(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)

	origin := unittest.PeerIDFixture(t)
	first := unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameOrigin(origin), unittest.WithFrameToken(7))
	// same origin and token, different payload
	duplicate := unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameOrigin(origin), unittest.WithFrameToken(7))
	// same token from another origin is a different frame
	otherOrigin := unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameToken(7))

	inject(t, net, first)
	inject(t, net, duplicate)
	inject(t, net, otherOrigin)

	assert.Equal(t, first.Payload, requireFrame(t, sub).Payload)
	assert.Equal(t, otherOrigin.Origin, requireFrame(t, sub).Origin)
}

func TestDelivery_RateLimitsPerOrigin(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	cfg := subscription.DefaultConfig()
	cfg.RateLimit = rate.Limit(0.001)
	cfg.RateBurst = 1
	mgr, net := newManager(t, hub, cfg)

	sub, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)

	noisy := unittest.PeerIDFixture(t)
	inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameOrigin(noisy), unittest.WithFrameToken(1)))
	inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc1"), unittest.WithFrameOrigin(noisy), unittest.WithFrameToken(2)))
	quiet := unittest.FrameFixture(unittest.WithFramePath("/doc1"))
	inject(t, net, quiet)

	assert.Equal(t, uint64(1), requireFrame(t, sub).Token)
	assert.Equal(t, quiet.Origin, requireFrame(t, sub).Origin)
}

func TestSubscribe_JoinFailure(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	boom := errors.New("unreachable")
	net.FailJoins(boom)

	_, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.Error(t, err)
	assert.True(t, subscription.IsJoinFailedErr(err))
	assert.ErrorIs(t, err, boom)
	assert.False(t, mgr.IsSubscribed("/doc1"))

	// unreachable bootstrap peers fail the join as well
	net.FailJoins(nil)
	_, err = mgr.Subscribe(ctx, "/doc1", []network.PeerAddress{{ID: unittest.PeerIDFixture(t)}})
	assert.True(t, subscription.IsJoinFailedErr(err))
}

func TestSubscribe_JoinTimeout(t *testing.T) {
	hub := stub.NewNetworkHub()
	cfg := subscription.DefaultConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	mgr, net := newManager(t, hub, cfg)

	net.OnJoin(func(ctx context.Context, _ channels.Topic) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var err error
	unittest.RequireReturnsBefore(t, func() {
		_, err = mgr.Subscribe(context.Background(), "/doc1", nil)
	}, timeout, "subscribe did not honor the join timeout")

	require.Error(t, err)
	assert.True(t, subscription.IsJoinFailedErr(err))
	assert.True(t, network.IsTimeoutErr(err))
	assert.False(t, mgr.IsSubscribed("/doc1"))
}

func TestDelivery_StreamFailureIsIsolated(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	failing, err := mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
	healthy, err := mgr.Subscribe(ctx, "/doc2", nil)
	require.NoError(t, err)

	boom := errors.New("stream reset")
	require.True(t, net.FailTopic(failing.Topic(), boom))

	requireEndOfStream(t, failing)
	unittest.RequireCloseBefore(t, failing.Done(), timeout, "failed subscription did not exit")
	assert.Equal(t, subscription.Closed, failing.Status())
	assert.ErrorIs(t, failing.Err(), boom)
	assert.False(t, mgr.IsSubscribed("/doc1"))

	inject(t, net, unittest.FrameFixture(unittest.WithFramePath("/doc2")))
	requireFrame(t, healthy)
	assert.True(t, mgr.IsSubscribed("/doc2"))

	// the path can be subscribed again
	_, err = mgr.Subscribe(ctx, "/doc1", nil)
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	subs := make([]*subscription.Subscription, 0, 3)
	for _, path := range []string{"/a", "/b", "/c"} {
		sub, err := mgr.Subscribe(ctx, path, nil)
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	boom := errors.New("leave failed")
	net.FailLeave(boom)

	err := mgr.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	for _, sub := range subs {
		requireEndOfStream(t, sub)
		assert.Equal(t, subscription.Closed, sub.Status())
		assert.False(t, net.IsJoined(sub.Topic()))
	}
	assert.Empty(t, mgr.Subscriptions())

	require.NoError(t, mgr.Close())
	_, err = mgr.Subscribe(ctx, "/a", nil)
	assert.ErrorIs(t, err, subscription.ErrManagerClosed)
}

func TestPublish_RequiresSubscription(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, _ := newManager(t, hub, subscription.DefaultConfig())

	err := mgr.Publish(ctx, unittest.FrameFixture(unittest.WithFramePath("/doc1")))
	assert.ErrorIs(t, err, subscription.ErrNotSubscribed)
}

// TestSubscribe_Concurrent checks that concurrent subscribes of one path share one subscription
// and join the topic once, while readers keep seeing consistent snapshots.
func TestSubscribe_Concurrent(t *testing.T) {
	ctx := unittest.Context(t, timeout)
	hub := stub.NewNetworkHub()
	mgr, net := newManager(t, hub, subscription.DefaultConfig())

	const workers = 16
	results := make([]*subscription.Subscription, workers)
	var wg sync.WaitGroup
	wg.Add(workers * 2)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			sub, err := mgr.Subscribe(ctx, "/shared", nil)
			assert.NoError(t, err)
			results[i] = sub
		}()
		go func() {
			defer wg.Done()
			for _, sub := range mgr.Subscriptions() {
				assert.Equal(t, "/shared", sub.Path())
			}
		}()
	}
	unittest.RequireReturnsBefore(t, wg.Wait, timeout, "concurrent subscribes did not finish")

	for _, sub := range results {
		assert.Same(t, results[0], sub)
	}
	assert.Equal(t, 1, net.JoinCount(channels.TopicFromPath("/shared")))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, subscription.DefaultConfig().Validate())

	cfg := subscription.Config{}
	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{"join timeout", "dedup cache size", "rate limit", "rate limiter cache size"} {
		assert.Contains(t, err.Error(), msg)
	}
}
