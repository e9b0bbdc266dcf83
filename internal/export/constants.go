package export

import "time"

const (
	// Connectivity probe cadence while object storage is unreachable
	defaultProbeInterval = 15 * time.Second
)
