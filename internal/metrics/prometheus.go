// Package metrics exposes a running load test in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/sysmon"
)

const namespace = "h2drill"

// HostSource supplies the latest host sample. *sysmon.Monitor implements it.
type HostSource interface {
	Latest() (sysmon.Sample, bool)
}

// Collector reads the shared aggregator at scrape time, so the hot path
// pays nothing for exposition.
type Collector struct {
	agg  *stats.Aggregator
	host HostSource

	reqSent     *prometheus.Desc
	reqDone     *prometheus.Desc
	reqSuccess  *prometheus.Desc
	activeConns *prometheus.Desc
	reconnects  *prometheus.Desc
	rpsTarget   *prometheus.Desc
	respMin     *prometheus.Desc
	respMax     *prometheus.Desc
	hostCPU     *prometheus.Desc
	procRSS     *prometheus.Desc
}

// NewCollector returns a collector over agg. host may be nil.
func NewCollector(runID string, agg *stats.Aggregator, host HostSource) *Collector {
	labels := prometheus.Labels{"run_id": runID}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		agg:         agg,
		host:        host,
		reqSent:     desc("requests_sent_total", "Requests submitted in the measurement phase"),
		reqDone:     desc("requests_done_total", "Requests that completed in the measurement phase"),
		reqSuccess:  desc("requests_success_total", "Requests that completed with a 2xx or 3xx status"),
		activeConns: desc("active_connections", "Connections currently open"),
		reconnects:  desc("reconnects_total", "Client reconnects"),
		rpsTarget:   desc("rps_target", "Per-client request rate target, 0 when unlimited"),
		respMin:     desc("response_time_min_seconds", "Smallest response time seen so far"),
		respMax:     desc("response_time_max_seconds", "Largest response time seen so far"),
		hostCPU:     desc("host_cpu_percent", "Host CPU usage of the load generator"),
		procRSS:     desc("process_rss_bytes", "Resident memory of the load generator"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.reqSent, c.reqDone, c.reqSuccess, c.activeConns, c.reconnects,
		c.rpsTarget, c.respMin, c.respMax, c.hostCPU, c.procRSS,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.agg.Snapshot()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.reqSent, float64(s.ReqSent))
	counter(c.reqDone, float64(s.ReqDone))
	counter(c.reqSuccess, float64(s.ReqSuccess))
	counter(c.reconnects, float64(s.Reconnects))
	gauge(c.activeConns, float64(s.ActiveConns))
	gauge(c.rpsTarget, s.RPS)
	if s.ReqDone > 0 {
		gauge(c.respMin, float64(s.MinRespUs)/1e6)
		gauge(c.respMax, float64(s.MaxRespUs)/1e6)
	}

	if c.host == nil {
		return
	}
	sample, ok := c.host.Latest()
	if !ok {
		return
	}
	if sample.Host != nil {
		gauge(c.hostCPU, sample.Host.CPUPercent)
	}
	if sample.Process != nil {
		gauge(c.procRSS, float64(sample.Process.MemRSS))
	}
}
