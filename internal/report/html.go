package report

import (
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/bc-dunia/h2drill/internal/stats"
)

// htmlRow is a row of the timing tables.
type htmlRow struct {
	Label                    string
	Min, Max, Mean, SD, InSD string
}

// htmlData holds data for HTML template rendering.
type htmlData struct {
	*Summary
	Started     string
	GeneratedAt string
	Finished    string
	RPSText     string
	BPSText     string
	Savings     string
	TimeRows    []htmlRow
	Percentiles []htmlRow
	Scenario    []htmlRow
}

var htmlTmpl = template.Must(template.New("report").Parse(htmlTemplate))

// WriteHTML writes a self-contained HTML page with embedded CSS.
func WriteHTML(w io.Writer, s *Summary) error {
	if s == nil {
		return fmt.Errorf("summary cannot be nil")
	}
	data := htmlData{
		Summary:     s,
		Started:     formatTime(s.StartTime),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Finished:    FormatDuration(s.Elapsed.D().Seconds()),
		RPSText:     FormatFixed(s.RPS),
		BPSText:     FormatUnits(uint64(s.BytesPerSec)) + "B/s",
		Savings:     FormatFixed(s.Traffic.HeaderSavings*100) + "%",
		TimeRows: []htmlRow{
			durationCells("time for request", s.Time.Request),
			durationCells("time for connect", s.Time.Connect),
			durationCells("time to 1st byte", s.Time.TTFB),
		},
	}
	rps := s.Time.RPS
	data.TimeRows = append(data.TimeRows, htmlRow{
		Label: "req/s",
		Min:   FormatFixed(rps.Min),
		Max:   FormatFixed(rps.Max),
		Mean:  FormatFixed(rps.Mean),
		SD:    FormatFixed(rps.SD),
		InSD:  FormatFixed(rps.WithinSD*100) + "%",
	})
	for _, lp := range s.Latency {
		data.Percentiles = append(data.Percentiles, htmlRow{
			Label: "p" + strconv.FormatFloat(lp.Quantile, 'f', -1, 64),
			Mean:  FormatDuration(float64(lp.Value)),
		})
	}
	for _, sc := range s.Scenarios {
		data.Scenario = append(data.Scenario,
			durationCells(fmt.Sprintf("%s[%d] %s %s", sc.Scenario, sc.Request, sc.Method, sc.Path), sc.Time))
	}

	if err := htmlTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

func durationCells(label string, sd stats.SDStat) htmlRow {
	return htmlRow{
		Label: label,
		Min:   FormatDuration(sd.Min),
		Max:   FormatDuration(sd.Max),
		Mean:  FormatDuration(sd.Mean),
		SD:    FormatDuration(sd.SD),
		InSD:  FormatFixed(sd.WithinSD*100) + "%",
	}
}

// formatTime renders a timestamp as RFC3339 in UTC.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>h2drill report - {{.RunID}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; background: #f5f5f5; padding: 20px; }
.container { max-width: 1100px; margin: 0 auto; background: #fff; border-radius: 8px; padding: 30px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
h1 { color: #2c3e50; border-bottom: 3px solid #3498db; padding-bottom: 10px; }
h2 { color: #34495e; margin-top: 25px; border-bottom: 1px solid #eee; }
.summary-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 15px; }
.summary-card { background: #f8f9fa; border-radius: 6px; padding: 15px; border-left: 4px solid #3498db; }
.summary-card.success { border-left-color: #27ae60; }
.summary-card.error { border-left-color: #e74c3c; }
.summary-card label { display: block; font-size: 12px; color: #7f8c8d; text-transform: uppercase; }
.summary-card .value { font-size: 22px; font-weight: bold; color: #2c3e50; }
table { width: 100%; border-collapse: collapse; margin-top: 10px; }
th, td { padding: 10px; text-align: right; border-bottom: 1px solid #eee; }
th:first-child, td:first-child { text-align: left; }
th { background: #f8f9fa; font-size: 12px; text-transform: uppercase; }
.meta { color: #7f8c8d; font-size: 13px; }
.warning-banner { background: #fff3cd; border-left: 4px solid #ffc107; padding: 12px; margin: 15px 0; color: #856404; }
</style>
</head>
<body>
<div class="container">
<h1>h2drill report</h1>
<p class="meta">run {{.RunID}} against {{.Target}}, started {{.Started}}, finished in {{.Finished}}; {{.Threads}} threads, {{.Clients}} clients, {{.MaxConcurrentStreams}} max concurrent streams</p>
{{if and .System .System.Saturated}}<div class="warning-banner">The load generator host was CPU saturated; latencies may be inflated.</div>{{end}}

<h2>Requests</h2>
<div class="summary-grid">
<div class="summary-card"><label>Total</label><div class="value">{{.Requests.Total}}</div></div>
<div class="summary-card success"><label>Succeeded</label><div class="value">{{.Requests.Succeeded}}</div></div>
<div class="summary-card error"><label>Failed</label><div class="value">{{.Requests.Failed}}</div></div>
<div class="summary-card error"><label>Errored</label><div class="value">{{.Requests.Errored}}</div></div>
<div class="summary-card error"><label>Timeout</label><div class="value">{{.Requests.Timeout}}</div></div>
<div class="summary-card"><label>req/s</label><div class="value">{{.RPSText}}</div></div>
<div class="summary-card"><label>Throughput</label><div class="value">{{.BPSText}}</div></div>
</div>

<h2>Status codes</h2>
<table>
<tr><th>Class</th><th>Count</th></tr>
<tr><td>2xx</td><td>{{.StatusCodes.S2xx}}</td></tr>
<tr><td>3xx</td><td>{{.StatusCodes.S3xx}}</td></tr>
<tr><td>4xx</td><td>{{.StatusCodes.S4xx}}</td></tr>
<tr><td>5xx</td><td>{{.StatusCodes.S5xx}}</td></tr>
</table>

<h2>Traffic</h2>
<table>
<tr><th>Kind</th><th>Bytes</th></tr>
<tr><td>total</td><td>{{.Traffic.Total}}</td></tr>
<tr><td>headers (space savings {{.Savings}})</td><td>{{.Traffic.Headers}}</td></tr>
<tr><td>data</td><td>{{.Traffic.Data}}</td></tr>
</table>

<h2>Timing</h2>
<table>
<tr><th></th><th>min</th><th>max</th><th>mean</th><th>sd</th><th>+/- sd</th></tr>
{{range .TimeRows}}<tr><td>{{.Label}}</td><td>{{.Min}}</td><td>{{.Max}}</td><td>{{.Mean}}</td><td>{{.SD}}</td><td>{{.InSD}}</td></tr>
{{end}}</table>

{{if .Percentiles}}<h2>Latency percentiles</h2>
<table>
<tr><th>Percentile</th><th>Latency</th></tr>
{{range .Percentiles}}<tr><td>{{.Label}}</td><td>{{.Mean}}</td></tr>
{{end}}</table>{{end}}

{{if .Scenario}}<h2>Scenarios</h2>
<table>
<tr><th>Request</th><th>min</th><th>max</th><th>mean</th><th>sd</th><th>+/- sd</th></tr>
{{range .Scenario}}<tr><td>{{.Label}}</td><td>{{.Min}}</td><td>{{.Max}}</td><td>{{.Mean}}</td><td>{{.SD}}</td><td>{{.InSD}}</td></tr>
{{end}}</table>{{end}}

<h2>Connections</h2>
<table>
<tr><th>Counter</th><th>Value</th></tr>
<tr><td>attempts</td><td>{{.Connections.Attempts}}</td></tr>
<tr><td>failures</td><td>{{.Connections.Failures}}</td></tr>
<tr><td>reconnects</td><td>{{.Connections.Reconnects}}</td></tr>
<tr><td>clients failed</td><td>{{.Connections.ClientsFailed}}</td></tr>
</table>

{{with .CRUD}}<h2>CRUD</h2>
<table>
<tr><th>Operation</th><th>Count</th></tr>
<tr><td>created</td><td>{{.Created}}</td></tr>
<tr><td>read</td><td>{{.Read}}</td></tr>
<tr><td>updated</td><td>{{.Updated}}</td></tr>
<tr><td>deleted</td><td>{{.Deleted}}</td></tr>
<tr><td>failed</td><td>{{.Failed}}</td></tr>
<tr><td>aborted</td><td>{{.Aborted}}</td></tr>
</table>{{end}}

<p class="meta">Generated at {{.GeneratedAt}}</p>
</div>
</body>
</html>
`
