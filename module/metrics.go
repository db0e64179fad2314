package module

import (
	"time"

	httpmetrics "github.com/slok/go-http-metrics/metrics"
)

// SubscriptionMetrics tracks subscriptions and the frames delivered through them.
type SubscriptionMetrics interface {
	// SubscriptionOpened is called when a subscription has joined its topic.
	SubscriptionOpened()

	// SubscriptionActivated is called when the transport confirmed membership of the topic,
	// with the time elapsed since the subscription was opened.
	SubscriptionActivated(joinDuration time.Duration)

	// SubscriptionClosed is called once per subscription when it is closed.
	SubscriptionClosed(reason string)

	// FrameReceived is called for every frame handed to a subscriber.
	FrameReceived(sizeBytes int)

	// FrameDropped is called for every received frame that is not delivered.
	FrameDropped(reason string)

	// FramePublished is called for every frame this node publishes.
	FramePublished(sizeBytes int)
}

// ProxyMetrics tracks the HTTP bridge.
type ProxyMetrics interface {
	// Recorder observes the requests other than update streams, through the go-http-metrics
	// middleware.
	httpmetrics.Recorder

	StreamOpened()
	StreamClosed()
}
