// Package runner splits a run over workers, starts the helpers that watch it
// from outside (progress lines, the rps file, host sampling and the metrics
// endpoint) and turns the worker results into a summary.
package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/h2drill/internal/client"
	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/events"
	"github.com/bc-dunia/h2drill/internal/metrics"
	"github.com/bc-dunia/h2drill/internal/otel"
	"github.com/bc-dunia/h2drill/internal/report"
	"github.com/bc-dunia/h2drill/internal/reqlog"
	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/sampling"
	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/sysmon"
	"github.com/bc-dunia/h2drill/internal/transport"
	"github.com/bc-dunia/h2drill/internal/worker"
)

// DefaultProgressInterval is the period of the progress lines.
const DefaultProgressInterval = time.Second

// Options configure a run. Only Config is required.
type Options struct {
	RunID  string
	Config *config.Config
	// Stdout receives the start banner and progress lines.
	Stdout io.Writer

	// Events, Metrics and Tracer default to the process-wide instances.
	Events  *events.EventLogger
	Metrics *otel.Metrics
	Tracer  *otel.Tracer

	// Resolver and Backend replace name resolution and dialing.
	Resolver transport.Resolver
	Backend  transport.Backend

	// SysmonInterval enables host sampling when positive.
	SysmonInterval   time.Duration
	SysmonCollector  sysmon.Collector
	ProgressInterval time.Duration
}

// Runner executes one run.
type Runner struct {
	opts Options
	cfg  *config.Config
	agg  *stats.Aggregator

	metricsAddr chan string
}

// New validates nothing; the configuration must already be finalized and
// validated.
func New(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Events == nil {
		opts.Events = events.GetGlobalEventLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.GetGlobalMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetGlobalTracer()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Runner{
		opts:        opts,
		cfg:         opts.Config,
		agg:         stats.NewAggregator(opts.Config.RPS),
		metricsAddr: make(chan string, 1),
	}
}

// Aggregator is the run-wide counter set the workers feed.
func (r *Runner) Aggregator() *stats.Aggregator { return r.agg }

// MetricsAddr returns the address the metrics endpoint listens on once it
// is up. It is only sent when Config.MetricsAddr is set.
func (r *Runner) MetricsAddr() <-chan string { return r.metricsAddr }

// Share is one worker's part of the run.
type Share struct {
	Requests    uint64
	Clients     int
	FirstClient int
	Rate        int
}

// Split divides requests, clients and the connection rate over the threads.
// Remainders go to the first threads. In a timed run every worker has an
// unlimited budget; with a timing script every client sends the configured
// request count.
func Split(cfg *config.Config) []Share {
	n := cfg.Threads
	reqs := worker.Distribute(cfg.Requests, n)
	clients := worker.Distribute(uint64(cfg.Clients), n)
	rates := worker.Distribute(uint64(max(cfg.Rate, 0)), n)

	shares := make([]Share, n)
	first := 0
	for i := range shares {
		shares[i] = Share{
			Requests:    reqs[i],
			Clients:     int(clients[i]),
			FirstClient: first,
			Rate:        int(rates[i]),
		}
		if cfg.TimingScript() {
			shares[i].Requests = cfg.Requests * clients[i]
		}
		first += shares[i].Clients
	}
	return shares
}

// Run executes the run and returns its summary. Cancelling ctx stops the
// clients early; the partial summary is still returned.
func (r *Runner) Run(ctx context.Context) (*report.Summary, error) {
	cfg := r.cfg
	ev := r.opts.Events

	tlsConfig, err := TLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RPSFile != "" {
		if err := NewRPSWatcher(cfg.RPSFile, r.agg, ev).Load(); err != nil {
			return nil, fmt.Errorf("%w: --rps-file: %v", config.ErrInvalid, err)
		}
	}

	var rlog *reqlog.Writer
	if cfg.RequestLog != "" {
		rlog, err = reqlog.Open(cfg.RequestLog)
		if err != nil {
			return nil, err
		}
	}

	var monitor *sysmon.Monitor
	if r.opts.SysmonInterval > 0 {
		monitor = sysmon.New(r.opts.SysmonInterval, r.opts.SysmonCollector)
	}

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		var host metrics.HostSource
		if monitor != nil {
			host = monitor
		}
		metricsServer, err = metrics.NewServer(cfg.MetricsAddr, metrics.NewCollector(r.opts.RunID, r.agg, host))
		if err != nil {
			if rlog != nil {
				_ = rlog.Close()
			}
			return nil, err
		}
		r.metricsAddr <- metricsServer.Addr()
	}

	env := client.Env{
		RunID:      r.opts.RunID,
		Resolver:   r.opts.Resolver,
		Backend:    r.opts.Backend,
		TLS:        tlsConfig,
		Aggregator: r.agg,
		Events:     ev,
		Metrics:    r.opts.Metrics,
		Tracer:     r.opts.Tracer,
	}
	if rlog != nil {
		env.RequestLog = rlog
	}

	scenarios := request.Compile(cfg)
	shares := Split(cfg)
	maxSamples := sampling.MaxSamplesPerWorker(cfg.Threads)
	workers := make([]*worker.Worker, len(shares))
	for i, sh := range shares {
		workers[i] = worker.New(worker.Options{
			ID:           i,
			Config:       cfg,
			Requests:     sh.Requests,
			Clients:      sh.Clients,
			FirstClient:  sh.FirstClient,
			TotalClients: cfg.Clients,
			Rate:         sh.Rate,
			MaxSamples:   maxSamples,
			Scenarios:    scenarios,
			Env:          env,
		})
	}

	r.banner(shares)
	ev.LogRunStarted(cfg.URI(), cfg.NPNList, cfg.Threads, cfg.Clients, cfg.Requests, cfg.Duration.D())

	auxCtx, stopAux := context.WithCancel(context.WithoutCancel(ctx))
	aux, auxCtx := errgroup.WithContext(auxCtx)
	if cfg.Progress {
		p := NewProgress(r.agg, r.opts.Stdout, r.opts.ProgressInterval)
		aux.Go(func() error { return p.Run(auxCtx) })
	}
	if cfg.RPSFile != "" {
		w := NewRPSWatcher(cfg.RPSFile, r.agg, ev)
		aux.Go(func() error { return w.Run(auxCtx) })
	}
	if monitor != nil {
		aux.Go(func() error { return monitor.Run(auxCtx) })
	}
	if metricsServer != nil {
		aux.Go(func() error { return metricsServer.Run(auxCtx) })
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	runErr := g.Wait()
	end := time.Now()

	stopAux()
	auxErr := aux.Wait()

	results := make([]worker.Result, len(workers))
	var suppressed uint64
	for i, w := range workers {
		results[i] = w.Result()
		suppressed += results[i].Suppressed
	}

	in := report.Input{
		RunID:     r.opts.RunID,
		Config:    cfg,
		Start:     start,
		End:       end,
		Results:   results,
		Scenarios: scenarios,
	}
	if monitor != nil {
		sum := monitor.Summary()
		in.System = &sum
	}
	summary := report.Build(in)
	ev.LogRunFinished(end.Sub(start), summary.Requests.Done, summary.Requests.Failed, suppressed)

	if rlog != nil {
		if err := rlog.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("request log: %w", err)
		}
		if _, dropped := rlog.Stats(); dropped > 0 {
			ev.LogConfigWarning("log-file", fmt.Sprintf("%d records dropped, the writer could not keep up", dropped))
		}
	}
	if runErr == nil {
		runErr = auxErr
	}
	return summary, runErr
}

// banner prints the start lines of a text run.
func (r *Runner) banner(shares []Share) {
	if r.cfg.Output != "text" {
		return
	}
	out := r.opts.Stdout
	fmt.Fprintln(out, "starting benchmark...")
	for i, sh := range shares {
		if r.cfg.TimingMode() {
			fmt.Fprintf(out, "spawning thread #%d: %d total client(s). Timing-based test with %s of warm-up time and %s of main duration for measurements.\n",
				i, sh.Clients, r.cfg.WarmUpTime.D(), r.cfg.Duration.D())
			continue
		}
		fmt.Fprintf(out, "spawning thread #%d: %d total client(s). %d total requests\n", i, sh.Clients, sh.Requests)
	}
}
