package metrics

import (
	"context"
	"time"

	httpmetrics "github.com/slok/go-http-metrics/metrics"

	"github.com/braidmesh/braid-gossip/module"
)

type NoopCollector struct{}

var (
	_ module.SubscriptionMetrics = (*NoopCollector)(nil)
	_ module.ProxyMetrics        = (*NoopCollector)(nil)
)

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) SubscriptionOpened()                              {}
func (nc *NoopCollector) SubscriptionActivated(joinDuration time.Duration) {}
func (nc *NoopCollector) SubscriptionClosed(reason string)                 {}
func (nc *NoopCollector) FrameReceived(sizeBytes int)                      {}
func (nc *NoopCollector) FrameDropped(reason string)                       {}
func (nc *NoopCollector) FramePublished(sizeBytes int)                     {}
func (nc *NoopCollector) StreamOpened()                                    {}
func (nc *NoopCollector) StreamClosed()                                    {}

func (nc *NoopCollector) ObserveHTTPRequestDuration(context.Context, httpmetrics.HTTPReqProperties, time.Duration) {
}
func (nc *NoopCollector) ObserveHTTPResponseSize(context.Context, httpmetrics.HTTPReqProperties, int64) {
}
func (nc *NoopCollector) AddInflightRequests(context.Context, httpmetrics.HTTPProperties, int) {}
