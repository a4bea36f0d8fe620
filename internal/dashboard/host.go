package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"optionflow/logger"
)

// hostSample is one reading of host utilisation shown beside the table.
type hostSample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryPct  float64   `json:"memory_percent"`
	MemoryUsed uint64    `json:"memory_used"`
	DiskPct    float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

type hostSampler struct {
	history  *ring[hostSample]
	interval time.Duration
	log      *logger.Log
	wg       sync.WaitGroup
}

func newHostSampler(limit int, interval time.Duration, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &hostSampler{history: newRing[hostSample](limit), interval: interval, log: log}
}

// start samples until ctx is done; cpu.Percent blocks for one interval so no
// ticker is needed.
func (h *hostSampler) start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ctx.Err() == nil {
			sample, err := h.sample(ctx)
			if err != nil {
				if ctx.Err() == nil {
					h.log.WithComponent("host_sampler").WithError(err).Debug("host sample failed")
					time.Sleep(h.interval)
				}
				continue
			}
			h.history.push(sample)
		}
	}()
}

func (h *hostSampler) wait() { h.wg.Wait() }

func (h *hostSampler) sample(ctx context.Context) (hostSample, error) {
	cpuPct, err := cpuPercentFn(ctx, h.interval)
	if err != nil {
		return hostSample{}, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return hostSample{}, err
	}
	du, err := diskUsageFn(ctx, "/")
	if err != nil {
		return hostSample{}, err
	}
	s := hostSample{
		Timestamp:  time.Now(),
		MemoryPct:  vm.UsedPercent,
		MemoryUsed: vm.Used,
		DiskPct:    du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		s.CPUPercent = cpuPct[0]
	}
	return s, nil
}
