package metrics

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is the resource footprint of the processes backing one service.
type Usage struct {
	Processes  int     `json:"processes"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// SampleUsage sums CPU and resident memory over pids. Processes that exit
// while being sampled are skipped.
func SampleUsage(ctx context.Context, pids []int32) Usage {
	var u Usage
	for _, pid := range pids {
		p, err := gopsproc.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		u.Processes++
		u.RSSBytes += mem.RSS
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += cpu
		}
	}
	return u
}

// SetUsage publishes a service's sampled usage.
func SetUsage(service string, u Usage) {
	if !regOK.Load() {
		return
	}
	serviceProcs.WithLabelValues(service).Set(float64(u.Processes))
	serviceCPU.WithLabelValues(service).Set(u.CPUPercent)
	serviceMemory.WithLabelValues(service).Set(float64(u.RSSBytes))
}
