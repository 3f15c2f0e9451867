package monitor

import (
	"time"
)

const bytesPerGB = 1 << 30

// Snapshot is a point-in-time view of system load. Degraded snapshots carry the last values that could
// be read (or zeros) because the operating system query failed.
type Snapshot struct {
	MemoryPercent        float64
	MemoryUsedBytes      uint64
	MemoryAvailableBytes uint64
	MemoryTotalBytes     uint64
	CPUPercent           float64
	Timestamp            time.Time
	Degraded             bool
}

// Stats is the consumer-facing form of a snapshot.
type Stats struct {
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryUsedGB      float64 `json:"memory_used_gb"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryAvailableGB float64 `json:"memory_available_gb"`
	Degraded          bool    `json:"degraded,omitempty"`
}

func (s Snapshot) Stats() Stats {
	return Stats{
		MemoryPercent:     s.MemoryPercent,
		MemoryUsedGB:      float64(s.MemoryUsedBytes) / bytesPerGB,
		CPUPercent:        s.CPUPercent,
		MemoryAvailableGB: float64(s.MemoryAvailableBytes) / bytesPerGB,
		Degraded:          s.Degraded,
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
