package server

import "time"

// Server configuration constants
const (
	// Per-connection control message rate limit
	RateLimitMessages = 30
	RateLimitWindow   = time.Second
)
