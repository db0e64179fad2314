package subscription

// Status is the lifecycle state of a subscription.
// Valid transitions are Joining -> Active -> Closed and Joining -> Closed.
type Status uint32

const (
	// Joining subscriptions have joined the topic but the transport has not yet confirmed membership.
	// Frames may already be delivered, best-effort.
	Joining Status = iota
	// Active subscriptions have confirmed topic membership.
	Active
	// Closed is terminal.
	Closed
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
