package bus

import "time"

// Frame and topic limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max topic name length in bytes.
	maxTopicBytes = 200

	// Max concurrent topic subscriptions per connection.
	maxTopicsPerConn = 64
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	// Hub subscription queue depth; a full queue drops.
	defaultSubscriberQueue = 256
)
