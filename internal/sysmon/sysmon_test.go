package sysmon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	samples := []Sample{
		{Host: &HostMetrics{CPUPercent: 95, LoadAvg1: 2}, Process: &ProcessMetrics{CPUPercent: 150, MemRSS: 10 << 20, NumFDs: 12, TCPConns: 4}},
		{Host: &HostMetrics{CPUPercent: 91, LoadAvg1: 3.5}, Process: &ProcessMetrics{CPUPercent: 120, MemRSS: 14 << 20, NumFDs: 9}},
		{Host: &HostMetrics{CPUPercent: 20}},
		{Process: &ProcessMetrics{MemRSS: 12 << 20, TCPConns: 7}},
	}

	s := Summarize(samples)
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 95.0, s.PeakCPUPercent)
	assert.InDelta(t, (95.0+91+20)/3, s.AvgCPUPercent, 1e-9)
	assert.Equal(t, 150.0, s.PeakProcCPU)
	assert.Equal(t, uint64(14<<20), s.PeakRSS)
	assert.Equal(t, 12, s.PeakFDs)
	assert.Equal(t, 7, s.PeakTCPConns)
	assert.Equal(t, 3.5, s.PeakLoad1)
	assert.True(t, s.Saturated)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestMonitorRunsUntilCancelled(t *testing.T) {
	var n int
	m := New(5*time.Millisecond, func() Sample {
		n++
		return Sample{Host: &HostMetrics{CPUPercent: float64(n)}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	s := m.Summary()
	require.Greater(t, s.Samples, 1)
	last, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, s.PeakCPUPercent, last.Host.CPUPercent)
	assert.Equal(t, float64(s.Samples), s.PeakCPUPercent)
	assert.False(t, s.Saturated)
}

func TestLatestWithoutSamples(t *testing.T) {
	_, ok := New(0, func() Sample { return Sample{} }).Latest()
	assert.False(t, ok)
}

func TestProcessCollectorReadsSelf(t *testing.T) {
	s := ProcessCollector(os.Getpid())()
	require.NotNil(t, s.Process)
	assert.Equal(t, os.Getpid(), s.Process.PID)
	assert.NotZero(t, s.Process.MemRSS)
}
