package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	httpmetrics "github.com/slok/go-http-metrics/metrics"

	"github.com/braidmesh/braid-gossip/module"
)

// ProxyCollector tracks the HTTP bridge: open update streams, and the duration, response size
// and concurrency of the other requests, recorded by the go-http-metrics middleware.
type ProxyCollector struct {
	streams                   prometheus.Gauge
	httpRequestDurHistogram   *prometheus.HistogramVec
	httpResponseSizeHistogram *prometheus.HistogramVec
	httpRequestsInflight      *prometheus.GaugeVec
}

var _ module.ProxyMetrics = (*ProxyCollector)(nil)

func NewProxyCollector(registerer prometheus.Registerer) *ProxyCollector {
	factory := promauto.With(registerer)

	return &ProxyCollector{
		streams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceProxy,
			Name:      "open_streams",
			Help:      "number of HTTP clients currently streaming document updates",
		}),
		httpRequestDurHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceProxy,
			Subsystem: subsystemHTTP,
			Name:      "request_duration_seconds",
			Help:      "the latency of the HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelService, LabelHandler, LabelMethod, LabelCode}),
		httpResponseSizeHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceProxy,
			Subsystem: subsystemHTTP,
			Name:      "response_size_bytes",
			Help:      "the size of the HTTP responses",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{LabelService, LabelHandler, LabelMethod, LabelCode}),
		httpRequestsInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceProxy,
			Subsystem: subsystemHTTP,
			Name:      "requests_inflight",
			Help:      "the number of inflight requests being handled at the same time",
		}, []string{LabelService, LabelHandler}),
	}
}

func (c *ProxyCollector) StreamOpened() {
	c.streams.Inc()
}

func (c *ProxyCollector) StreamClosed() {
	c.streams.Dec()
}

// ObserveHTTPRequestDuration records the duration of the REST request.
func (c *ProxyCollector) ObserveHTTPRequestDuration(_ context.Context, p httpmetrics.HTTPReqProperties, duration time.Duration) {
	c.httpRequestDurHistogram.WithLabelValues(p.Service, p.ID, p.Method, p.Code).Observe(duration.Seconds())
}

// ObserveHTTPResponseSize records the response size of the REST request.
func (c *ProxyCollector) ObserveHTTPResponseSize(_ context.Context, p httpmetrics.HTTPReqProperties, sizeBytes int64) {
	c.httpResponseSizeHistogram.WithLabelValues(p.Service, p.ID, p.Method, p.Code).Observe(float64(sizeBytes))
}

// AddInflightRequests increments and decrements the number of inflight requests being processed.
func (c *ProxyCollector) AddInflightRequests(_ context.Context, p httpmetrics.HTTPProperties, quantity int) {
	c.httpRequestsInflight.WithLabelValues(p.Service, p.ID).Add(float64(quantity))
}
