package server

// Typed reject reasons surfaced to clients. Everything else (store
// outages, cache misses, tier fallbacks) is absorbed internally and never
// reaches an event producer as a failure.
const (
	// RejectInvalidEvent marks malformed or out-of-range input.
	RejectInvalidEvent = "invalid_event"
	// RejectRateLimited marks an exhausted per-device budget. Retryable.
	RejectRateLimited = "rate_limited"
	// RejectQueueFull marks batch-queue backpressure. Retryable.
	RejectQueueFull = "queue_full"
	// RejectUnknownTarget marks an entanglement request for a device with
	// no live local connection.
	RejectUnknownTarget = "unknown_target"
	// RejectBadRequest marks a structurally unusable message.
	RejectBadRequest = "bad_request"
)

// RetryableReject reports whether a rejected message is worth retrying.
func RetryableReject(reason string) bool {
	return reason == RejectRateLimited || reason == RejectQueueFull
}
