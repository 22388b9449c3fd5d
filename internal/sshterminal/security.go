package sshterminal

// Limits applied to client input before it reaches a session.
const (
	// MaxInputMessageSize is the maximum size in bytes for a single inbound
	// frame. Larger frames are dropped.
	MaxInputMessageSize = 64 * 1024 // 64 KB

	// MessageRateLimit is the maximum number of inbound frames per second
	// from one client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for the rate limiter.
	MessageRateBurst = 200
)
