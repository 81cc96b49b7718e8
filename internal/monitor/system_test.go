package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess(t *testing.T) {
	cases := []struct {
		name   string
		in     SystemStats
		score  int
		status string
		issues int
	}{
		{"idle", SystemStats{CPUUsage: 10, MemoryUsage: 20, DiskUsage: 30}, 100, "healthy", 0},
		{"busy cpu", SystemStats{CPUUsage: 95}, 80, "healthy", 1},
		{"cpu and disk", SystemStats{CPUUsage: 95, DiskUsage: 91}, 50, "warning", 2},
		{"everything", SystemStats{CPUUsage: 95, MemoryUsage: 90, DiskUsage: 99, ActiveWorkflows: 51}, 20, "critical", 4},
		{"at thresholds", SystemStats{CPUUsage: HighCPU, MemoryUsage: HighMemory, DiskUsage: HighDisk, ActiveWorkflows: HighActiveWorkflows}, 100, "healthy", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Assess(tc.in)
			assert.Equal(t, tc.score, h.Score)
			assert.Equal(t, tc.status, h.Status)
			assert.Len(t, h.Issues, tc.issues)
			assert.Equal(t, tc.in, h.System)
		})
	}
}

func TestSampleHostReadsUsage(t *testing.T) {
	st, err := SampleHost(context.Background(), t.TempDir())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	require.False(t, st.Timestamp.IsZero())
	assert.GreaterOrEqual(t, st.MemoryUsage, 0.0)
	assert.LessOrEqual(t, st.DiskUsage, 100.0)
}
