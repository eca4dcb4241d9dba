package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/sysmon"
)

type fixedHost struct{ s sysmon.Sample }

func (f fixedHost) Latest() (sysmon.Sample, bool) { return f.s, true }

func TestCollectorReadsAggregator(t *testing.T) {
	agg := stats.NewAggregator(5)
	agg.RequestSent()
	agg.RequestSent()
	agg.RequestDone(200, true, 1500)
	agg.RequestDone(503, false, 2500)
	agg.ConnOpened()
	agg.Reconnected()

	c := NewCollector("run-1", agg, nil)
	expected := `
# HELP h2drill_requests_sent_total Requests submitted in the measurement phase
# TYPE h2drill_requests_sent_total counter
h2drill_requests_sent_total{run_id="run-1"} 2
# HELP h2drill_requests_done_total Requests that completed in the measurement phase
# TYPE h2drill_requests_done_total counter
h2drill_requests_done_total{run_id="run-1"} 2
# HELP h2drill_active_connections Connections currently open
# TYPE h2drill_active_connections gauge
h2drill_active_connections{run_id="run-1"} 1
# HELP h2drill_rps_target Per-client request rate target, 0 when unlimited
# TYPE h2drill_rps_target gauge
h2drill_rps_target{run_id="run-1"} 5
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"h2drill_requests_sent_total", "h2drill_requests_done_total", "h2drill_active_connections", "h2drill_rps_target"))

	// host gauges are absent without a source, response times present
	assert.Equal(t, 8, testutil.CollectAndCount(c))
}

func TestCollectorHostGauges(t *testing.T) {
	host := fixedHost{sysmon.Sample{
		Host:    &sysmon.HostMetrics{CPUPercent: 42},
		Process: &sysmon.ProcessMetrics{MemRSS: 1 << 20},
	}}
	c := NewCollector("r", stats.NewAggregator(0), host)

	// no response time gauges before the first completed request
	assert.Equal(t, 8, testutil.CollectAndCount(c))
	assert.Equal(t, 42.0, testutil.ToFloat64(onlyMetric(c, "h2drill_host_cpu_percent")))
}

// onlyMetric narrows c to the metric called name.
func onlyMetric(c *Collector, name string) prometheus.Collector {
	return collectorFunc(func(ch chan<- prometheus.Metric) {
		metrics := make(chan prometheus.Metric, 16)
		go func() { c.Collect(metrics); close(metrics) }()
		for m := range metrics {
			if strings.Contains(m.Desc().String(), `"`+name+`"`) {
				ch <- m
			}
		}
	})
}

type collectorFunc func(chan<- prometheus.Metric)

func (f collectorFunc) Describe(ch chan<- *prometheus.Desc) { prometheus.DescribeByCollect(f, ch) }
func (f collectorFunc) Collect(ch chan<- prometheus.Metric)  { f(ch) }

func TestServerServesMetrics(t *testing.T) {
	agg := stats.NewAggregator(0)
	agg.RequestSent()
	srv, err := NewServer("127.0.0.1:0", NewCollector("run-2", agg, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	base := "http://" + srv.Addr()
	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `h2drill_requests_sent_total{run_id="run-2"} 1`)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerBadAddress(t *testing.T) {
	_, err := NewServer("256.0.0.1:bad")
	assert.Error(t, err)
}
