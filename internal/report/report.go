// Package report builds the end-of-run summary and renders it as text, JSON
// or a self-contained HTML page.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/sysmon"
	"github.com/bc-dunia/h2drill/internal/worker"
)

// Input is everything a finished run hands to Build.
type Input struct {
	RunID     string
	Config    *config.Config
	Start     time.Time
	End       time.Time
	Results   []worker.Result
	Scenarios []request.Scenario
	// System is nil when host sampling was off.
	System *sysmon.Summary
}

// Summary is the rendered result of a run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Elapsed is the wall time of the run. Duration is what rates are
	// computed over: the configured duration of a timed run, Elapsed
	// otherwise.
	Elapsed  Seconds `json:"elapsed_s"`
	Duration Seconds `json:"duration_s"`

	Threads              int `json:"threads"`
	Clients              int `json:"clients"`
	MaxConcurrentStreams int `json:"max_concurrent_streams"`

	RPS         float64 `json:"rps"`
	BytesPerSec float64 `json:"bytes_per_sec"`

	Requests    Requests       `json:"requests"`
	StatusCodes StatusCodes    `json:"status_codes"`
	Traffic     Traffic        `json:"traffic"`
	Time        stats.SDStats  `json:"time"`
	Latency     []LatencyPoint `json:"latency_percentiles"`
	Scenarios   []ScenarioRow  `json:"scenarios,omitempty"`
	Connections Connections    `json:"connections"`

	CRUD   *stats.CRUDStats `json:"crud,omitempty"`
	System *sysmon.Summary  `json:"system,omitempty"`
}

// Seconds is a duration rendered in seconds.
type Seconds float64

// D converts back to a time.Duration.
func (s Seconds) D() time.Duration { return time.Duration(float64(s) * float64(time.Second)) }

// Requests are the request counters.
type Requests struct {
	Total     uint64 `json:"total"`
	Started   uint64 `json:"started"`
	Done      uint64 `json:"done"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Errored   uint64 `json:"errored"`
	Timeout   uint64 `json:"timeout"`
	// NotIssued is the part of Failed that never reached a connection.
	NotIssued uint64 `json:"not_issued"`
}

// StatusCodes is the response status class histogram.
type StatusCodes struct {
	S2xx  uint64 `json:"2xx"`
	S3xx  uint64 `json:"3xx"`
	S4xx  uint64 `json:"4xx"`
	S5xx  uint64 `json:"5xx"`
	Other uint64 `json:"other"`
}

// Traffic counts bytes read from the network.
type Traffic struct {
	Total   uint64 `json:"total"`
	Headers uint64 `json:"headers"`
	// HeadersDecompressed is the header size before compression.
	HeadersDecompressed uint64  `json:"headers_decompressed"`
	Data                uint64  `json:"data"`
	HeaderSavings       float64 `json:"header_space_savings"`
}

// LatencyPoint is one latency percentile.
type LatencyPoint struct {
	Quantile float64 `json:"quantile"`
	Value    Seconds `json:"value_s"`
}

// ScenarioRow is the latency of one request template of a scenario.
type ScenarioRow struct {
	Scenario string       `json:"scenario"`
	Request  int          `json:"request"`
	Method   string       `json:"method"`
	Path     string       `json:"path"`
	Time     stats.SDStat `json:"time"`
}

// Connections summarizes connection handling.
type Connections struct {
	Attempts      uint64 `json:"attempts"`
	Failures      uint64 `json:"failures"`
	Reconnects    uint64 `json:"reconnects"`
	ClientsFailed uint64 `json:"clients_failed"`
}

// Build merges the worker results and computes the summary.
func Build(in Input) *Summary {
	cfg := in.Config

	var total stats.Stats
	latency := stats.NewLatency()
	samples := make([]stats.WorkerSamples, 0, len(in.Results))
	for i := range in.Results {
		r := &in.Results[i]
		total.Merge(&r.Stats)
		latency.Merge(r.Latency)
		samples = append(samples, r.Samples)
	}
	notIssued := total.AccountNotIssued()

	elapsed := in.End.Sub(in.Start)
	duration := elapsed
	if cfg.TimingMode() {
		duration = cfg.Duration.D()
	}

	s := &Summary{
		RunID:                in.RunID,
		Target:               cfg.URI(),
		StartTime:            in.Start,
		EndTime:              in.End,
		Elapsed:              Seconds(elapsed.Seconds()),
		Duration:             Seconds(duration.Seconds()),
		Threads:              cfg.Threads,
		Clients:              cfg.Clients,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		Requests: Requests{
			Total:     total.ReqTodo,
			Started:   total.ReqStarted,
			Done:      total.ReqDone,
			Succeeded: total.ReqStatusSuccess,
			Failed:    total.ReqFailed,
			Errored:   total.ReqError,
			Timeout:   total.ReqTimedout,
			NotIssued: notIssued,
		},
		StatusCodes: StatusCodes{
			S2xx:  total.Status[2],
			S3xx:  total.Status[3],
			S4xx:  total.Status[4],
			S5xx:  total.Status[5],
			Other: total.Status[0] + total.Status[1],
		},
		Traffic: Traffic{
			Total:               total.BytesTotal,
			Headers:             total.BytesHead,
			HeadersDecompressed: total.BytesHeadDecomp,
			Data:                total.BytesBody,
			HeaderSavings:       total.HeaderSpaceSavings(),
		},
		Time: stats.ProcessTimeStats(samples),
		Connections: Connections{
			Attempts:      total.ConnectAttempts,
			Failures:      total.ConnectFailures,
			Reconnects:    total.Reconnects,
			ClientsFailed: total.ClientsFailed,
		},
		System: in.System,
	}
	if duration > 0 {
		s.RPS = float64(total.ReqSuccess) / duration.Seconds()
		s.BytesPerSec = float64(total.BytesTotal) / duration.Seconds()
	}
	if latency.Count() > 0 {
		for _, p := range latency.Percentiles() {
			s.Latency = append(s.Latency, LatencyPoint{Quantile: p.Quantile, Value: Seconds(p.Value.Seconds())})
		}
	}
	if cfg.CRUD.ResourceHeader != "" {
		crud := total.CRUD
		s.CRUD = &crud
	}
	s.Scenarios = scenarioRows(in.Scenarios, stats.ProcessScenarioStats(samples))
	return s
}

// scenarioRows lists per-template latency. A run with a single one-request
// scenario has nothing to add to the overall request time.
func scenarioRows(scenarios []request.Scenario, byKey map[stats.RequestKey]stats.SDStat) []ScenarioRow {
	if len(scenarios) == 1 && len(scenarios[0].Templates) <= 1 {
		return nil
	}
	keys := make([]stats.RequestKey, 0, len(byKey))
	for k := range byKey {
		if k.Scenario < len(scenarios) && k.Request < len(scenarios[k.Scenario].Templates) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scenario != keys[j].Scenario {
			return keys[i].Scenario < keys[j].Scenario
		}
		return keys[i].Request < keys[j].Request
	})

	rows := make([]ScenarioRow, 0, len(keys))
	for _, k := range keys {
		sc := scenarios[k.Scenario]
		tmpl := sc.Templates[k.Request]
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("scenario-%d", k.Scenario)
		}
		rows = append(rows, ScenarioRow{
			Scenario: name,
			Request:  k.Request,
			Method:   tmpl.Method,
			Path:     tmpl.Path,
			Time:     byKey[k],
		})
	}
	return rows
}

// Write renders s in the given format: text, json or html.
func Write(w io.Writer, format string, s *Summary) error {
	switch format {
	case "", "text":
		return WriteText(w, s)
	case "json":
		return WriteJSON(w, s)
	case "html":
		return WriteHTML(w, s)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// WriteJSON writes s as indented JSON.
func WriteJSON(w io.Writer, s *Summary) error {
	if s == nil {
		return fmt.Errorf("summary cannot be nil")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
