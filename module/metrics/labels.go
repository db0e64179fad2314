package metrics

const (
	LabelReason  = "reason"
	LabelMethod  = "method"
	LabelService = "service"
	LabelHandler = "handler"
	LabelCode    = "code"
)

// Reasons a received frame is dropped before delivery.
const (
	DropReasonMalformed    = "malformed"
	DropReasonTruncated    = "truncated"
	DropReasonOversized    = "oversized"
	DropReasonPathMismatch = "path_mismatch"
	DropReasonRateLimited  = "rate_limited"
	DropReasonDuplicate    = "duplicate"
)

// Reasons a subscription is closed.
const (
	CloseReasonUnsubscribed = "unsubscribed"
	CloseReasonShutdown     = "shutdown"
	CloseReasonStreamFailed = "stream_failed"
)
