package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/braidmesh/braid-gossip/module"
)

// SubscriptionCollector tracks subscriptions and the frames flowing through them.
type SubscriptionCollector struct {
	active          prometheus.Gauge
	opened          prometheus.Counter
	closed          *prometheus.CounterVec
	joinDuration    prometheus.Histogram
	framesReceived  prometheus.Counter
	bytesReceived   prometheus.Counter
	framesDropped   *prometheus.CounterVec
	framesPublished prometheus.Counter
	bytesPublished  prometheus.Counter
}

var _ module.SubscriptionMetrics = (*SubscriptionCollector)(nil)

// NewSubscriptionCollector registers the collectors with the registerer.
func NewSubscriptionCollector(registerer prometheus.Registerer) *SubscriptionCollector {
	factory := promauto.With(registerer)

	return &SubscriptionCollector{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemSubscription,
			Name:      "active",
			Help:      "number of live subscriptions",
		}),
		opened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemSubscription,
			Name:      "opened_total",
			Help:      "number of subscriptions created",
		}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemSubscription,
			Name:      "closed_total",
			Help:      "number of subscriptions closed, by reason",
		}, []string{LabelReason}),
		joinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemSubscription,
			Name:      "join_duration_seconds",
			Help:      "time from subscribing until the transport confirmed topic membership",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemFrames,
			Name:      "received_total",
			Help:      "number of frames delivered to subscribers",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemFrames,
			Name:      "received_bytes_total",
			Help:      "size of the frames delivered to subscribers",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemFrames,
			Name:      "dropped_total",
			Help:      "number of received frames dropped before delivery, by reason",
		}, []string{LabelReason}),
		framesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemFrames,
			Name:      "published_total",
			Help:      "number of frames published by this node",
		}),
		bytesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceNetwork,
			Subsystem: subsystemFrames,
			Name:      "published_bytes_total",
			Help:      "size of the frames published by this node",
		}),
	}
}

func (c *SubscriptionCollector) SubscriptionOpened() {
	c.opened.Inc()
	c.active.Inc()
}

func (c *SubscriptionCollector) SubscriptionActivated(joinDuration time.Duration) {
	c.joinDuration.Observe(joinDuration.Seconds())
}

func (c *SubscriptionCollector) SubscriptionClosed(reason string) {
	c.closed.WithLabelValues(reason).Inc()
	c.active.Dec()
}

func (c *SubscriptionCollector) FrameReceived(sizeBytes int) {
	c.framesReceived.Inc()
	c.bytesReceived.Add(float64(sizeBytes))
}

func (c *SubscriptionCollector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *SubscriptionCollector) FramePublished(sizeBytes int) {
	c.framesPublished.Inc()
	c.bytesPublished.Add(float64(sizeBytes))
}
