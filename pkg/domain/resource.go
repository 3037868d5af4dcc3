package domain

import "time"

// ResourceSample is one usage sample of a running sandbox.
type ResourceSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsageMB float64   `json:"memory_usage_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkInKB   float64   `json:"network_in_kb"`
	NetworkOutKB  float64   `json:"network_out_kb"`
	DiskReadMB    float64   `json:"disk_read_mb"`
	DiskWriteMB   float64   `json:"disk_write_mb"`
	Timestamp     time.Time `json:"timestamp"`
}
