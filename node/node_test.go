package node_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/braidmesh/braid-gossip/engine/proxy"
	"github.com/braidmesh/braid-gossip/model/identity"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/mocknetwork"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/network/stub"
	"github.com/braidmesh/braid-gossip/node"
	"github.com/braidmesh/braid-gossip/utils/unittest"
)

func testConfig(t *testing.T, hub *stub.Hub, name string) node.Config {
	cfg := node.DefaultConfig(name)
	cfg.Discovery = discovery.Disabled()
	cfg.Transport = hub.Factory()
	cfg.Logger = unittest.Logger()
	cfg.Subscription.JoinTimeout = time.Second
	return cfg
}

func spawn(t *testing.T, cfg node.Config) *node.Node {
	n, err := node.Spawn(unittest.Context(t, 5*time.Second), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Shutdown()
	})
	return n
}

func receive(t *testing.T, sub *subscription.Subscription) *codec.Frame {
	select {
	case frame, ok := <-sub.Updates():
		require.True(t, ok, "update stream ended")
		return frame
	case <-time.After(time.Second):
		require.FailNow(t, "no update received")
		return nil
	}
}

func TestSpawn_Identity(t *testing.T) {
	hub := stub.NewNetworkHub()

	t.Run("derived from name", func(t *testing.T) {
		n := spawn(t, testConfig(t, hub, "alice"))
		assert.Equal(t, identity.Resolve("alice").ID(), n.ID())
		assert.Equal(t, n.ID(), n.Address().ID)
		assert.NotNil(t, hub.GetNetwork(n.ID()))
	})

	t.Run("override takes precedence", func(t *testing.T) {
		override := unittest.PeerIdentityFixture()
		raw, err := override.MarshalPrivateKey()
		require.NoError(t, err)

		cfg := testConfig(t, hub, "bob")
		cfg.IdentityOverride = raw
		n := spawn(t, cfg)
		assert.Equal(t, override.ID(), n.ID())
		assert.True(t, override.Equal(n.Identity()))
	})

	t.Run("invalid override", func(t *testing.T) {
		cfg := testConfig(t, hub, "carol")
		cfg.IdentityOverride = []byte{1, 2, 3}
		_, err := node.Spawn(context.Background(), cfg)
		require.Error(t, err)
		assert.True(t, identity.IsInvalidKeyErr(err))
	})
}

func TestSpawn_TransportFailure(t *testing.T) {
	cfg := testConfig(t, stub.NewNetworkHub(), "alice")
	cfg.Transport = func(context.Context, network.TransportParams) (network.Transport, error) {
		return nil, fmt.Errorf("address already in use")
	}
	_, err := node.Spawn(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, node.IsTransportInitFailedErr(err))
}

func TestSpawn_ProxyBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	hub := stub.NewNetworkHub()
	cfg := testConfig(t, hub, "alice")
	cfg.Proxy.Enabled = true
	cfg.Proxy.Addr = occupied.Addr().String()

	_, err = node.Spawn(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, node.IsTransportInitFailedErr(err))
	// the transport started before the bind failed and was released
	assert.Nil(t, hub.GetNetwork(identity.Resolve("alice").ID()))
}

func TestSpawn_InvalidConfig(t *testing.T) {
	cfg := node.DefaultConfig("")
	cfg.MaxFrameSize = 0
	cfg.ShutdownTimeout = 0
	_, err := node.Spawn(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name or an identity override")
	assert.Contains(t, err.Error(), "max frame size")
	assert.Contains(t, err.Error(), "shutdown timeout")
}

func TestSpawn_ProxyClientBuffer(t *testing.T) {
	assert.Equal(t, proxy.DefaultClientBuffer, node.DefaultConfig("alice").Proxy.ClientBuffer)

	for _, tc := range []struct {
		configured int
		expected   int
	}{
		{configured: 0, expected: proxy.DefaultClientBuffer},
		{configured: 8, expected: 8},
	} {
		hub := stub.NewNetworkHub()
		cfg := testConfig(t, hub, "alice")
		cfg.Proxy.Enabled = true
		cfg.Proxy.Addr = "127.0.0.1:0"
		cfg.Proxy.ClientBuffer = tc.configured

		n := spawn(t, cfg)
		assert.Equal(t, tc.expected, n.Bridge().ClientBuffer())
		require.NoError(t, n.Shutdown())
	}

	cfg := node.DefaultConfig("alice")
	cfg.Proxy.ClientBuffer = -1
	assert.ErrorContains(t, cfg.Validate(), "proxy client buffer")
}

func TestPublishSubscribe(t *testing.T) {
	hub := stub.NewNetworkHub()
	alice := spawn(t, testConfig(t, hub, "alice"))
	bob := spawn(t, testConfig(t, hub, "bob"))
	ctx := unittest.Context(t, 5*time.Second)

	aliceSub, err := alice.Subscribe(ctx, "/demo-doc", []network.PeerAddress{bob.Address()})
	require.NoError(t, err)
	bobSub, err := bob.Subscribe(ctx, "/demo-doc", []network.PeerAddress{alice.Address()})
	require.NoError(t, err)
	require.NoError(t, aliceSub.AwaitActive(ctx))
	require.NoError(t, bobSub.AwaitActive(ctx))

	first, err := alice.Publish(ctx, "/demo-doc", []byte("hello"))
	require.NoError(t, err)
	second, err := alice.Publish(ctx, "/demo-doc", []byte("hello, world"))
	require.NoError(t, err)
	assert.Greater(t, second.Token, first.Token)

	got := receive(t, bobSub)
	assert.Equal(t, "/demo-doc", got.Path)
	assert.Equal(t, alice.ID(), got.Origin)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.Equal(t, first.Token, got.Token)

	got = receive(t, bobSub)
	assert.Equal(t, []byte("hello, world"), got.Payload)
	assert.Equal(t, second.Token, got.Token)

	// the publisher does not receive its own updates
	select {
	case frame := <-aliceSub.Updates():
		t.Fatalf("publisher received its own update: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_TokensIncrease(t *testing.T) {
	hub := stub.NewNetworkHub()
	before := uint64(time.Now().UnixNano())
	n := spawn(t, testConfig(t, hub, "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	_, err := n.Subscribe(ctx, "/doc", nil)
	require.NoError(t, err)

	last := before
	for i := 0; i < 50; i++ {
		frame, err := n.Publish(ctx, "/doc", unittest.PayloadFixture(16))
		require.NoError(t, err)
		require.Greater(t, frame.Token, last)
		last = frame.Token
	}
}

func TestPublish_Errors(t *testing.T) {
	n := spawn(t, testConfig(t, stub.NewNetworkHub(), "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	_, err := n.Publish(ctx, "", []byte("x"))
	assert.True(t, channels.IsInvalidPathErr(err))

	_, err = n.Publish(ctx, "/not-subscribed", []byte("x"))
	assert.ErrorIs(t, err, subscription.ErrNotSubscribed)
}

func TestForgedOriginIsRejected(t *testing.T) {
	hub := stub.NewNetworkHub()
	alice := spawn(t, testConfig(t, hub, "alice"))
	mallory := unittest.PeerIDFixture(t)
	ctx := unittest.Context(t, 5*time.Second)

	sub, err := alice.Subscribe(ctx, "/doc", nil)
	require.NoError(t, err)

	aliceNet := hub.GetNetwork(alice.ID())
	claimsBob := unittest.FrameFixture(
		unittest.WithFramePath("/doc"),
		unittest.WithFrameOrigin(identity.Resolve("bob").ID()),
	)
	honest := unittest.FrameFixture(
		unittest.WithFramePath("/doc"),
		unittest.WithFrameOrigin(mallory),
	)
	require.True(t, aliceNet.Inject(sub.Topic(), mallory, unittest.EncodedFrameFixture(t, claimsBob)))
	require.True(t, aliceNet.Inject(sub.Topic(), mallory, unittest.EncodedFrameFixture(t, honest)))

	got := receive(t, sub)
	assert.Equal(t, mallory, got.Origin)
	assert.Equal(t, honest.Token, got.Token)
}

func TestUnsubscribe(t *testing.T) {
	n := spawn(t, testConfig(t, stub.NewNetworkHub(), "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	sub, err := n.Subscribe(ctx, "/doc", nil)
	require.NoError(t, err)
	assert.True(t, n.IsSubscribed("/doc"))
	require.Len(t, n.Subscriptions(), 1)

	require.NoError(t, n.Unsubscribe("/doc"))
	assert.False(t, n.IsSubscribed("/doc"))
	assert.Empty(t, n.Subscriptions())
	unittest.RequireCloseBefore(t, sub.Done(), time.Second, "delivery did not stop")

	assert.ErrorIs(t, n.Unsubscribe("/doc"), subscription.ErrNotSubscribed)
}

func TestShutdown(t *testing.T) {
	hub := stub.NewNetworkHub()
	n := spawn(t, testConfig(t, hub, "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	a, err := n.Subscribe(ctx, "/a", nil)
	require.NoError(t, err)
	b, err := n.Subscribe(ctx, "/b", nil)
	require.NoError(t, err)

	require.NoError(t, n.Shutdown())

	for _, sub := range []*subscription.Subscription{a, b} {
		_, ok := <-sub.Updates()
		assert.False(t, ok, "update stream of %s did not end", sub.Path())
		assert.Equal(t, subscription.Closed, sub.Status())
	}
	assert.Nil(t, hub.GetNetwork(n.ID()), "transport was not closed")

	// idempotent
	require.NoError(t, n.Shutdown())

	_, err = n.Subscribe(ctx, "/c", nil)
	assert.ErrorIs(t, err, node.ErrNodeShutdown)
	_, err = n.Publish(ctx, "/a", []byte("x"))
	assert.ErrorIs(t, err, node.ErrNodeShutdown)
	assert.ErrorIs(t, n.Unsubscribe("/a"), node.ErrNodeShutdown)
}

func TestShutdown_AggregatesErrors(t *testing.T) {
	hub := stub.NewNetworkHub()
	n := spawn(t, testConfig(t, hub, "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	_, err := n.Subscribe(ctx, "/a", nil)
	require.NoError(t, err)
	_, err = n.Subscribe(ctx, "/b", nil)
	require.NoError(t, err)

	hub.GetNetwork(n.ID()).FailLeave(fmt.Errorf("leave failed"))

	err = n.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `path "/a"`)
	assert.Contains(t, err.Error(), `path "/b"`)
	assert.Nil(t, hub.GetNetwork(n.ID()), "transport was not closed after release errors")
}

// TestShutdown_AfterSubscriptionFailed checks that a subscription that already failed on its own
// does not make shutdown report an error.
func TestShutdown_AfterSubscriptionFailed(t *testing.T) {
	hub := stub.NewNetworkHub()
	n := spawn(t, testConfig(t, hub, "alice"))
	ctx := unittest.Context(t, 5*time.Second)

	a, err := n.Subscribe(ctx, "/a", nil)
	require.NoError(t, err)
	b, err := n.Subscribe(ctx, "/b", nil)
	require.NoError(t, err)

	require.True(t, hub.GetNetwork(n.ID()).FailTopic(a.Topic(), fmt.Errorf("stream reset")))
	unittest.RequireCloseBefore(t, a.Done(), time.Second, "failed subscription did not stop")
	require.Error(t, a.Err())

	require.NoError(t, n.Shutdown())

	for _, sub := range []*subscription.Subscription{a, b} {
		_, ok := <-sub.Updates()
		assert.False(t, ok, "update stream of %s did not end", sub.Path())
		assert.Equal(t, subscription.Closed, sub.Status())
	}
	assert.Nil(t, hub.GetNetwork(n.ID()), "transport was not closed")
}

func TestShutdown_Timeout(t *testing.T) {
	id := unittest.PeerIdentityFixture()
	block := make(chan struct{})
	defer close(block)

	transport := mocknetwork.NewTransport(t)
	transport.On("LocalAddress").Return(network.PeerAddress{ID: id.ID()}).Maybe()
	transport.On("Close").Run(func(mock.Arguments) { <-block }).Return(nil).Once()

	cfg := node.DefaultConfig("alice")
	cfg.Discovery = discovery.Disabled()
	cfg.Logger = unittest.Logger()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.Transport = func(context.Context, network.TransportParams) (network.Transport, error) {
		return transport, nil
	}
	n, err := node.Spawn(context.Background(), cfg)
	require.NoError(t, err)

	var shutdownErr error
	unittest.RequireReturnsBefore(t, func() {
		shutdownErr = n.Shutdown()
	}, time.Second, "shutdown was not bounded")
	require.Error(t, shutdownErr)
	assert.True(t, network.IsTimeoutErr(shutdownErr))
}

func TestProxyAndMetrics(t *testing.T) {
	hub := stub.NewNetworkHub()
	cfg := testConfig(t, hub, "alice")
	cfg.Proxy.Enabled = true
	cfg.Proxy.Addr = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	n := spawn(t, cfg)

	require.NotNil(t, n.ProxyAddr())
	require.NotNil(t, n.MetricsAddr())

	ctx := unittest.Context(t, 5*time.Second)
	_, err := n.Subscribe(ctx, "/doc", nil)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/node", n.ProxyAddr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), n.ID().String())
	assert.Contains(t, string(body), `"path":"/doc"`)

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", n.MetricsAddr()))
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "network_subscription_active 1"), string(body))
	assert.Contains(t, string(body), `proxy_http_request_duration_seconds_count{code="200",handler="NodeGet",method="GET",service="proxy"} 1`)

	require.NoError(t, n.Shutdown())
	_, err = http.Get(fmt.Sprintf("http://%s/node", n.ProxyAddr()))
	assert.Error(t, err, "proxy still serving after shutdown")
}
