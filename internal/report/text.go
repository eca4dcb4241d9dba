package report

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/bc-dunia/h2drill/internal/stats"
)

const timeHeader = "                     min         max         mean         sd        +/- sd"

// WriteText writes the h2load-style summary followed by percentile,
// scenario, connection and host sections.
func WriteText(w io.Writer, s *Summary) error {
	if s == nil {
		return fmt.Errorf("summary cannot be nil")
	}
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("\nfinished in %s, %.2f req/s, %sB/s\n", FormatDuration(s.Elapsed.D().Seconds()), s.RPS, FormatUnits(uint64(s.BytesPerSec)))
	r := s.Requests
	p("requests: %d total, %d started, %d done, %d succeeded, %d failed, %d errored, %d timeout\n",
		r.Total, r.Started, r.Done, r.Succeeded, r.Failed, r.Errored, r.Timeout)
	c := s.StatusCodes
	p("status codes: %d 2xx, %d 3xx, %d 4xx, %d 5xx\n", c.S2xx, c.S3xx, c.S4xx, c.S5xx)
	t := s.Traffic
	p("traffic: %sB (%d) total, %sB (%d) headers (space savings %.2f%%), %sB (%d) data\n",
		FormatUnits(t.Total), t.Total, FormatUnits(t.Headers), t.Headers, t.HeaderSavings*100, FormatUnits(t.Data), t.Data)

	p("%s\n", timeHeader)
	p("time for request: %s\n", durationRow(s.Time.Request))
	p("time for connect: %s\n", durationRow(s.Time.Connect))
	p("time to 1st byte: %s\n", durationRow(s.Time.TTFB))
	rps := s.Time.RPS
	p("req/s           : %10.2f  %10.2f  %10.2f  %10.2f%9s%%\n", rps.Min, rps.Max, rps.Mean, rps.SD, FormatFixed(rps.WithinSD*100))

	if len(s.Latency) > 0 {
		parts := make([]string, 0, len(s.Latency))
		for _, lp := range s.Latency {
			parts = append(parts, "p"+strconv.FormatFloat(lp.Quantile, 'f', -1, 64)+" "+FormatDuration(float64(lp.Value)))
		}
		p("latency: %s\n", strings.Join(parts, ", "))
	}

	if len(s.Scenarios) > 0 {
		width := 0
		labels := make([]string, len(s.Scenarios))
		for i, row := range s.Scenarios {
			labels[i] = fmt.Sprintf("%s[%d] %s %s", row.Scenario, row.Request, row.Method, row.Path)
			width = max(width, len(labels[i]))
		}
		p("scenarios:\n")
		for i, row := range s.Scenarios {
			p("  %-*s: %s\n", width, labels[i], durationRow(row.Time))
		}
	}

	cn := s.Connections
	p("connections: %d attempts, %d failed, %d reconnects, %d clients failed\n", cn.Attempts, cn.Failures, cn.Reconnects, cn.ClientsFailed)
	if r.NotIssued > 0 {
		p("not issued: %d requests never reached a connection\n", r.NotIssued)
	}
	if cr := s.CRUD; cr != nil {
		p("crud: %d created, %d read, %d updated, %d deleted, %d failed, %d aborted\n",
			cr.Created, cr.Read, cr.Updated, cr.Deleted, cr.Failed, cr.Aborted)
	}
	if sys := s.System; sys != nil && sys.Samples > 0 {
		p("host: cpu peak %.1f%% avg %.1f%%, process cpu peak %.1f%%, rss peak %sB, fds peak %d\n",
			sys.PeakCPUPercent, sys.AvgCPUPercent, sys.PeakProcCPU, FormatUnits(sys.PeakRSS), sys.PeakFDs)
		if sys.Saturated {
			p("warning: the load generator host was CPU saturated; latencies may be inflated\n")
		}
	}
	return bw.Flush()
}

func durationRow(sd stats.SDStat) string {
	return fmt.Sprintf("%10s  %10s  %10s  %10s%9s%%",
		FormatDuration(sd.Min), FormatDuration(sd.Max), FormatDuration(sd.Mean), FormatDuration(sd.SD), FormatFixed(sd.WithinSD*100))
}

// FormatDuration renders t seconds with two decimals in s, ms or us.
func FormatDuration(t float64) string {
	unit := "us"
	switch {
	case t >= 1:
		unit = "s"
	case t >= 0.001:
		t *= 1000
		unit = "ms"
	default:
		t *= 1000000
	}
	return FormatFixed(t) + unit
}

// FormatUnits renders n with a K, M or G suffix (base 1024) and two
// decimals. Values below 1024 are printed as is.
func FormatUnits(n uint64) string {
	const units = " KMG"
	b := 0
	switch {
	case n >= 1<<30:
		b = 3
	case n >= 1<<20:
		b = 2
	case n >= 1<<10:
		b = 1
	}
	if b == 0 {
		return strconv.FormatUint(n, 10)
	}
	return FormatFixed(float64(n)/float64(uint64(1)<<(10*b))) + units[b:b+1]
}

// FormatFixed renders n rounded to two decimals.
func FormatFixed(n float64) string {
	m := math.Round(n * 100)
	neg := m < 0
	if neg {
		m = -m
	}
	v := uint64(m)
	out := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		out = "-" + out
	}
	return out
}
