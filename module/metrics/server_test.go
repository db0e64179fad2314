package metrics_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidmesh/braid-gossip/module/irrecoverable"
	"github.com/braidmesh/braid-gossip/module/metrics"
	"github.com/braidmesh/braid-gossip/utils/unittest"
)

func TestServer_ServesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewSubscriptionCollector(registry)
	collector.SubscriptionOpened()
	collector.FrameDropped(metrics.DropReasonDuplicate)

	server := metrics.NewServer(unittest.Logger(), "127.0.0.1:0", registry)

	ctx, cancel := context.WithCancel(context.Background())
	signalerCtx := irrecoverable.NewMockSignalerContext(t, ctx)
	server.Start(signalerCtx)
	unittest.RequireCloseBefore(t, server.Ready(), time.Second, "metrics server not ready")

	resp, err := http.Get("http://" + server.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Contains(t, string(body), "network_subscription_active 1")
	assert.Contains(t, string(body), `network_frames_dropped_total{reason="duplicate"} 1`)

	cancel()
	unittest.RequireCloseBefore(t, server.Done(), 10*time.Second, "metrics server did not shut down")
}

// TestServer_StopsServingBeforeDone checks that the serving goroutine has exited, and logged its
// shutdown, by the time the component is done.
func TestServer_StopsServingBeforeDone(t *testing.T) {
	log, hook := unittest.HookedLogger()
	server := metrics.NewServer(log, "127.0.0.1:0", prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	server.Start(irrecoverable.NewMockSignalerContext(t, ctx))
	unittest.RequireCloseBefore(t, server.Ready(), time.Second, "metrics server not ready")

	cancel()
	unittest.RequireCloseBefore(t, server.Done(), 10*time.Second, "metrics server did not shut down")
	assert.Contains(t, hook.Logs(), "metrics server shutdown")
}

func TestServer_ListenFailure(t *testing.T) {
	server := metrics.NewServer(unittest.Logger(), "127.0.0.1:-1", prometheus.NewRegistry())

	ctx, errs := irrecoverable.WithSignaler(context.Background())
	server.Start(ctx)

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen failure was not thrown")
	}
}
