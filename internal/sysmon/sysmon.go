// Package sysmon samples the load generator's own host and process while a
// run is in progress. A saturated generator reports latencies of its own
// making, so the summary prints what the machine looked like.
package sysmon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultInterval is the sampling period used when none is given.
const DefaultInterval = time.Second

// saturationCPU is the host CPU percentage above which the run is flagged.
const saturationCPU = 90.0

// HostMetrics holds host-level resource usage.
type HostMetrics struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemTotal     uint64  `json:"mem_total"`
	MemUsed      uint64  `json:"mem_used"`
	MemAvailable uint64  `json:"mem_available,omitempty"`
	LoadAvg1     float64 `json:"load_avg_1,omitempty"`
}

// ProcessMetrics holds resource usage of the generator process.
type ProcessMetrics struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	NumThreads int     `json:"num_threads,omitempty"`
	NumFDs     int     `json:"num_fds,omitempty"`
	// TCPConns counts the process's TCP sockets in any state.
	TCPConns int `json:"tcp_conns,omitempty"`
}

// Sample is one observation.
type Sample struct {
	Timestamp time.Time       `json:"timestamp"`
	Host      *HostMetrics    `json:"host,omitempty"`
	Process   *ProcessMetrics `json:"process,omitempty"`
}

// Summary condenses the samples of a run.
type Summary struct {
	Samples        int     `json:"samples"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	PeakProcCPU    float64 `json:"peak_process_cpu_percent"`
	PeakRSS        uint64  `json:"peak_rss"`
	PeakFDs        int     `json:"peak_fds"`
	PeakTCPConns   int     `json:"peak_tcp_conns"`
	PeakLoad1      float64 `json:"peak_load_1"`
	// Saturated is set when host CPU stayed above 90% for at least half of
	// the samples.
	Saturated bool `json:"saturated"`
}

// Collector reads one sample. Tests substitute their own.
type Collector func() Sample

// Monitor samples periodically until its context ends.
type Monitor struct {
	interval time.Duration
	collect  Collector

	mu      sync.Mutex
	samples []Sample
}

// New returns a monitor of the current process. A nil collector selects the
// gopsutil collector.
func New(interval time.Duration, collect Collector) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if collect == nil {
		collect = ProcessCollector(os.Getpid())
	}
	return &Monitor{interval: interval, collect: collect}
}

// Run samples every interval until ctx is done. It always returns nil so it
// can sit in an errgroup next to the workers.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.collect()
			m.mu.Lock()
			m.samples = append(m.samples, s)
			m.mu.Unlock()
		}
	}
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Summary reduces the samples collected so far.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summarize(m.samples)
}

// Summarize reduces samples to peaks and averages.
func Summarize(samples []Sample) Summary {
	summary := Summary{Samples: len(samples)}
	var sum float64
	var hosts, busy int
	for _, s := range samples {
		if h := s.Host; h != nil {
			hosts++
			sum += h.CPUPercent
			summary.PeakCPUPercent = max(summary.PeakCPUPercent, h.CPUPercent)
			summary.PeakLoad1 = max(summary.PeakLoad1, h.LoadAvg1)
			if h.CPUPercent >= saturationCPU {
				busy++
			}
		}
		if p := s.Process; p != nil {
			summary.PeakProcCPU = max(summary.PeakProcCPU, p.CPUPercent)
			summary.PeakRSS = max(summary.PeakRSS, p.MemRSS)
			summary.PeakFDs = max(summary.PeakFDs, p.NumFDs)
			summary.PeakTCPConns = max(summary.PeakTCPConns, p.TCPConns)
		}
	}
	if hosts > 0 {
		summary.AvgCPUPercent = sum / float64(hosts)
		summary.Saturated = busy*2 >= hosts
	}
	return summary
}

// ProcessCollector reads host metrics and those of pid. Metrics that cannot
// be read on this platform are left zero.
func ProcessCollector(pid int) Collector {
	proc, procErr := process.NewProcess(int32(pid))
	return func() Sample {
		sample := Sample{Timestamp: time.Now()}

		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			sample.Host = &HostMetrics{CPUPercent: pct[0]}
			if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
				sample.Host.MemTotal = vm.Total
				sample.Host.MemUsed = vm.Used
				sample.Host.MemAvailable = vm.Available
			}
			if avg, err := load.Avg(); err == nil && avg != nil {
				sample.Host.LoadAvg1 = avg.Load1
			}
		}

		if procErr != nil {
			return sample
		}
		cpuPct, _ := proc.CPUPercent()
		threads, _ := proc.NumThreads()
		sample.Process = &ProcessMetrics{
			PID:        pid,
			CPUPercent: cpuPct,
			NumThreads: int(threads),
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			sample.Process.MemRSS = mi.RSS
		}
		if fds, err := proc.NumFDs(); err == nil {
			sample.Process.NumFDs = int(fds)
		}
		if conns, err := psnet.ConnectionsPid("tcp", int32(pid)); err == nil {
			sample.Process.TCPConns = len(conns)
		}
		return sample
	}
}
