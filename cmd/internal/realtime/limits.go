package realtime

import "time"

// Security/performance limits.
const (
	// Frames larger than this are dropped (the session stays open).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Hard read limit; the websocket library closes the connection above it.
	hardReadLimit = 1 << 20 // 1 MiB
)

const (
	// Heartbeat defaults (overridable via APPOCAR_WS_* env).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
