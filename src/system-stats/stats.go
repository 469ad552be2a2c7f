package systemstats

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a point-in-time reading of the host the service runs on.
type Stats struct {
	CPUPercent        float64   `json:"cpuPercent" metric_name:"system.cpuPercent" source_type:"gauge"`
	MemoryUsedPercent float64   `json:"memoryUsedPercent" metric_name:"system.memoryUsedPercent" source_type:"gauge"`
	MemoryUsedBytes   uint64    `json:"memoryUsedBytes" metric_name:"system.memoryUsedBytes" source_type:"gauge"`
	MemoryTotalBytes  uint64    `json:"memoryTotalBytes" metric_name:"system.memoryTotalBytes" source_type:"gauge"`
	MemoryUsed        string    `json:"memoryUsed" metric_name:"-" source_type:"-"`
	MemoryTotal       string    `json:"memoryTotal" metric_name:"-" source_type:"-"`
	HeapAllocBytes    uint64    `json:"heapAllocBytes" metric_name:"system.heapAllocBytes" source_type:"gauge"`
	Goroutines        int       `json:"goroutines" metric_name:"system.goroutines" source_type:"gauge"`
	SampledAt         time.Time `json:"sampledAt" metric_name:"-" source_type:"-"`
}

// Reader produces host statistics.
type Reader interface {
	Read(ctx context.Context) (Stats, error)
}

// HostReader reads CPU and memory through gopsutil. The CPU figure is the usage since
// the previous call, so the first reading after start may be 0.
type HostReader struct {
	cpuPercent func(ctx context.Context) ([]float64, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	now        func() time.Time
}

func NewHostReader() *HostReader {
	return &HostReader{
		cpuPercent: func(ctx context.Context) ([]float64, error) { return cpu.PercentWithContext(ctx, 0, false) },
		virtualMem: mem.VirtualMemoryWithContext,
		now:        time.Now,
	}
}

func (h *HostReader) Read(ctx context.Context) (Stats, error) {
	stats := Stats{SampledAt: h.now(), Goroutines: runtime.NumGoroutine()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAllocBytes = ms.HeapAlloc

	percent, err := h.cpuPercent(ctx)
	if err != nil {
		return stats, fmt.Errorf("error reading cpu usage: %w", err)
	}
	if len(percent) > 0 {
		stats.CPUPercent = percent[0]
	}

	vmem, err := h.virtualMem(ctx)
	if err != nil {
		return stats, fmt.Errorf("error reading virtual memory: %w", err)
	}
	stats.MemoryUsedPercent = vmem.UsedPercent
	stats.MemoryUsedBytes = vmem.Used
	stats.MemoryTotalBytes = vmem.Total
	stats.MemoryUsed = humanize.IBytes(vmem.Used)
	stats.MemoryTotal = humanize.IBytes(vmem.Total)
	return stats, nil
}
