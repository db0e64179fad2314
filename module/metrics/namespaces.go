package metrics

// Prometheus metric namespaces
const (
	namespaceNetwork = "network"
	namespaceProxy   = "proxy"
)

// Network subsystems
const (
	subsystemSubscription = "subscription"
	subsystemFrames       = "frames"
)

// Proxy subsystems
const (
	subsystemHTTP = "http"
)
