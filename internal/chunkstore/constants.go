// Package chunkstore provides the rolling chunk buffer
package chunkstore

import "time"

// Store configuration defaults
const (
	DefaultRetention     = 48 * time.Hour
	DefaultSweepInterval = time.Hour
	DefaultMaxBytes      = 2 << 30 // 2GB
	DefaultAdmitTimeout  = 10 * time.Second
)
