package stats

import (
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	latencyMinUs   = 1
	latencyMaxUs   = int64(time.Hour / time.Microsecond)
	latencySigFigs = 3
)

// Latency is a high dynamic range histogram of request latencies in
// microseconds. Unlike the reservoir it sees every completed request, so its
// percentiles are exact up to the configured precision.
type Latency struct {
	h *hdrhistogram.Histogram
}

// NewLatency returns an empty histogram covering 1us to one hour.
func NewLatency() *Latency {
	return &Latency{h: hdrhistogram.New(latencyMinUs, latencyMaxUs, latencySigFigs)}
}

// Record adds one latency. Values outside the covered range are clamped.
func (l *Latency) Record(d time.Duration) {
	us := d.Microseconds()
	if us < latencyMinUs {
		us = latencyMinUs
	}
	if us > latencyMaxUs {
		us = latencyMaxUs
	}
	_ = l.h.RecordValue(us)
}

// Merge folds o into l.
func (l *Latency) Merge(o *Latency) {
	if o == nil {
		return
	}
	l.h.Merge(o.h)
}

// Count returns the number of recorded latencies.
func (l *Latency) Count() int64 { return l.h.TotalCount() }

// Percentile is one latency quantile.
type Percentile struct {
	Quantile float64       `json:"quantile"`
	Value    time.Duration `json:"value"`
}

// DefaultQuantiles are the quantiles printed in the summary.
var DefaultQuantiles = []float64{50, 75, 90, 95, 99, 99.9}

// Percentiles returns the latency at each quantile (0-100).
func (l *Latency) Percentiles(quantiles ...float64) []Percentile {
	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}
	out := make([]Percentile, 0, len(quantiles))
	for _, q := range quantiles {
		out = append(out, Percentile{
			Quantile: q,
			Value:    time.Duration(l.h.ValueAtQuantile(q)) * time.Microsecond,
		})
	}
	return out
}
