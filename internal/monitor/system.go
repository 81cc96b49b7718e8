package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemStats is a sample of host load plus the engine's active work.
// Usage figures are percentages.
type SystemStats struct {
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	DiskUsage       float64   `json:"disk_usage"`
	ActiveWorkflows int       `json:"active_workflows"`
	QueueDepth      int       `json:"queue_depth"`
	Timestamp       time.Time `json:"timestamp"`
}

// SampleHost reads CPU, memory and disk usage. Fields that cannot be read
// stay zero and their errors are joined into the result.
func SampleHost(ctx context.Context, diskPath string) (SystemStats, error) {
	st := SystemStats{Timestamp: time.Now().UTC()}
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		st.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		st.MemoryUsage = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", diskPath, err))
	} else {
		st.DiskUsage = du.UsedPercent
	}
	return st, errors.Join(errs...)
}

// Health grades a system sample.
type Health struct {
	Score  int         `json:"health_score"`
	Status string      `json:"status"`
	Issues []string    `json:"issues"`
	System SystemStats `json:"system_metrics"`
}

// Thresholds above which a sample loses health points.
const (
	HighCPU             = 80.0
	HighMemory          = 85.0
	HighDisk            = 90.0
	HighActiveWorkflows = 50
)

// Assess scores s out of 100: healthy above 70, warning above 40,
// critical otherwise.
func Assess(s SystemStats) Health {
	h := Health{Score: 100, Issues: []string{}, System: s}
	if s.CPUUsage > HighCPU {
		h.Score -= 20
		h.Issues = append(h.Issues, "High CPU usage")
	}
	if s.MemoryUsage > HighMemory {
		h.Score -= 20
		h.Issues = append(h.Issues, "High memory usage")
	}
	if s.DiskUsage > HighDisk {
		h.Score -= 30
		h.Issues = append(h.Issues, "High disk usage")
	}
	if s.ActiveWorkflows > HighActiveWorkflows {
		h.Score -= 10
		h.Issues = append(h.Issues, "High number of active workflows")
	}
	h.Score = max(h.Score, 0)
	switch {
	case h.Score > 70:
		h.Status = "healthy"
	case h.Score > 40:
		h.Status = "warning"
	default:
		h.Status = "critical"
	}
	return h
}
