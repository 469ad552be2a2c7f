package systemstats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedReader(cpuErr, memErr error) *HostReader {
	return &HostReader{
		cpuPercent: func(context.Context) ([]float64, error) { return []float64{37.5}, cpuErr },
		virtualMem: func(context.Context) (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 8 << 30, Used: 2 << 30, UsedPercent: 25}, memErr
		},
		now: func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) },
	}
}

func TestHostReader_Read(t *testing.T) {
	stats, err := fixedReader(nil, nil).Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 37.5, stats.CPUPercent)
	assert.Equal(t, 25.0, stats.MemoryUsedPercent)
	assert.Equal(t, "2.0 GiB", stats.MemoryUsed)
	assert.Equal(t, "8.0 GiB", stats.MemoryTotal)
	assert.Positive(t, stats.Goroutines)
	assert.Positive(t, stats.HeapAllocBytes)
}

func TestHostReader_ReadErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := fixedReader(boom, nil).Read(context.Background())
	assert.ErrorIs(t, err, boom)

	stats, err := fixedReader(nil, boom).Read(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 37.5, stats.CPUPercent)
}

func TestNewHostReader(t *testing.T) {
	stats, err := NewHostReader().Read(context.Background())
	if err != nil {
		t.Skipf("host statistics not available: %v", err)
	}
	assert.Positive(t, stats.MemoryTotalBytes)
}
