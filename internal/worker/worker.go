// Package worker runs a share of the clients on one event loop and applies
// the scheduling policy: all clients at once, a connection ramp, or the
// warm-up and measurement phases of a timed run.
package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/bc-dunia/h2drill/internal/client"
	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/loop"
	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/sampling"
	"github.com/bc-dunia/h2drill/internal/stats"
)

// Options describe one worker's share of the run.
type Options struct {
	ID     int
	Config *config.Config

	// Requests is this worker's request budget, Clients its client count.
	Requests uint64
	Clients  int
	// FirstClient is the run-wide index of the first client; TotalClients
	// the run-wide count. Both shape variable range slicing.
	FirstClient  int
	TotalClients int
	// Rate is the number of clients started per rate period in rate mode.
	Rate int

	// MaxSamples bounds each reservoir; zero derives it from the thread
	// count.
	MaxSamples int
	Scenarios  []request.Scenario

	// Env is copied for the worker's clients; Loop and WorkerID are
	// filled in by the worker.
	Env client.Env
}

// Result is what a finished worker hands to the runner.
type Result struct {
	ID      int
	Stats   stats.Stats
	Latency *stats.Latency
	Samples stats.WorkerSamples

	Clients       int
	FailedClients int
	// Suppressed counts throttled connection-failure events.
	Suppressed uint64
}

// Worker owns an event loop and the clients running on it. Apart from Run,
// its methods are called by its clients on that loop.
type Worker struct {
	id   int
	opts Options
	cfg  *config.Config
	loop *loop.Loop
	env  *client.Env

	phase stats.Phase
	stats stats.Stats

	latency    *stats.Latency
	reqSamples *sampling.Reservoir[stats.RequestStat]
	cliSamples *sampling.Reservoir[stats.ClientStat]

	budgets []uint64
	clients []*client.Client
	spawned int
	live    int
	failed  int

	rateTimer     *loop.Timer
	warmUpTimer   *loop.Timer
	durationTimer *loop.Timer
	drainTimer    *loop.Timer

	finished bool
}

// New prepares a worker. Nothing runs until Run is called.
func New(opts Options) *Worker {
	cfg := opts.Config
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = sampling.MaxSamplesPerWorker(cfg.Threads)
	}
	if opts.TotalClients < opts.FirstClient+opts.Clients {
		opts.TotalClients = opts.FirstClient + opts.Clients
	}
	if opts.Scenarios == nil {
		opts.Scenarios = request.Compile(cfg)
	}

	l := loop.New()
	env := opts.Env
	env.Loop = l
	env.Config = cfg
	env.WorkerID = strconv.Itoa(opts.ID)
	env.SetDefaults()
	env.Events = env.Events.ForWorker(env.WorkerID)

	w := &Worker{
		id:         opts.ID,
		opts:       opts,
		cfg:        cfg,
		loop:       l,
		env:        &env,
		phase:      stats.PhaseMainDuration,
		latency:    stats.NewLatency(),
		reqSamples: sampling.New[stats.RequestStat](maxSamples, nil),
		cliSamples: sampling.New[stats.ClientStat](maxSamples, nil),
		budgets:    Distribute(opts.Requests, opts.Clients),
	}
	if cfg.TimingMode() {
		w.phase = stats.PhaseInitialIdle
	}
	w.stats.ReqTodo = opts.Requests
	return w
}

// Distribute splits total over n parts: each gets total/n and the first
// total%n get one more.
func Distribute(total uint64, n int) []uint64 {
	if n <= 0 {
		return nil
	}
	out := make([]uint64, n)
	per, rem := total/uint64(n), total%uint64(n)
	for i := range out {
		out[i] = per
		if uint64(i) < rem {
			out[i]++
		}
	}
	return out
}

// Run starts the clients and processes the loop until every client has been
// released. Cancelling ctx stops the remaining clients; the partial result is
// still available afterwards.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.loop.Post(w.stopAll) })
	defer stop()

	w.loop.Post(w.start)
	return w.loop.Run(context.Background())
}

// Result returns the worker's totals. Call it after Run has returned.
func (w *Worker) Result() Result {
	return Result{
		ID:      w.id,
		Stats:   w.stats,
		Latency: w.latency,
		Samples: stats.WorkerSamples{
			Requests:        w.reqSamples.Samples(),
			RequestsSampled: w.reqSamples.Sampled(),
			Clients:         w.cliSamples.Samples(),
			ClientsSampled:  w.cliSamples.Sampled(),
		},
		Clients:       w.spawned,
		FailedClients: w.failed,
		Suppressed:    w.env.Events.Suppressed(),
	}
}

func (w *Worker) start() {
	w.env.Metrics.SetPhase(int(w.phase))
	if w.opts.Clients == 0 {
		w.finish()
		return
	}
	if w.cfg.RateMode() {
		w.rateTick()
		if w.spawned < w.opts.Clients {
			w.rateTimer = w.loop.Every(w.cfg.RatePeriod.D(), w.rateTick)
		}
		return
	}
	w.spawn(w.opts.Clients)
}

// rateTick starts the next group of clients.
func (w *Worker) rateTick() {
	w.spawn(min(max(w.opts.Rate, 1), w.opts.Clients-w.spawned))
	if w.spawned >= w.opts.Clients {
		w.rateTimer.Stop()
	}
}

func (w *Worker) spawn(n int) {
	for ; n > 0 && !w.finished; n-- {
		i := w.spawned
		idx := w.opts.FirstClient + i
		gen := request.NewGenerator(w.cfg.Scheme, w.cfg.Authority(), w.opts.Scenarios, idx, w.opts.TotalClients)
		c := client.New(uint64(idx), w.budgets[i], gen, w.env, w)
		w.clients = append(w.clients, c)
		w.spawned++
		w.live++
		if err := c.Connect(); err != nil {
			w.env.Events.LogConfigWarning("client", err.Error())
		}
	}
}

func (w *Worker) stopAll() {
	w.rateTimer.Stop()
	w.warmUpTimer.Stop()
	w.durationTimer.Stop()
	w.drainTimer.Stop()
	// nothing else may start once the run is being torn down
	w.opts.Clients = w.spawned
	for _, c := range w.clients {
		c.Stop()
	}
	if w.live == 0 {
		w.finish()
	}
}

func (w *Worker) finish() {
	if w.finished {
		return
	}
	w.finished = true
	w.rateTimer.Stop()
	w.warmUpTimer.Stop()
	w.durationTimer.Stop()
	w.drainTimer.Stop()
	w.loop.Stop()
}

func (w *Worker) setPhase(to stats.Phase) {
	from := w.phase
	w.phase = to
	w.env.Events.LogPhaseTransition(from.String(), to.String())
	w.env.Metrics.SetPhase(int(to))
}

// startMain opens the measurement window: every client restarts its timing
// so warm-up work is not reported.
func (w *Worker) startMain() {
	w.setPhase(stats.PhaseMainDuration)
	now := time.Now()
	for _, c := range w.clients {
		if !c.State().Terminal() {
			c.BeginMeasurement(now)
		}
	}
	w.durationTimer = w.loop.AfterFunc(w.cfg.Duration.D(), w.endMain)
}

// endMain closes the measurement window. Clients send nothing new and close
// once their open streams are done; whatever is still open after the drain
// timeout is stopped.
func (w *Worker) endMain() {
	w.setPhase(stats.PhaseDurationOver)
	w.rateTimer.Stop()
	w.opts.Clients = w.spawned
	for _, c := range w.clients {
		c.Drain()
	}
	if w.live == 0 {
		w.finish()
		return
	}
	w.drainTimer = w.loop.AfterFunc(drainTimeout(w.cfg), w.stopAll)
}

// drainTimeout bounds the wait for streams still open when a timed run ends.
func drainTimeout(cfg *config.Config) time.Duration {
	return max(time.Second, cfg.StreamTimeout.D())
}

// Phase implements client.Host.
func (w *Worker) Phase() stats.Phase { return w.phase }

// Stats implements client.Host.
func (w *Worker) Stats() *stats.Stats { return &w.stats }

// RecordRequest implements client.Host.
func (w *Worker) RecordRequest(rs stats.RequestStat) {
	if w.phase != stats.PhaseMainDuration {
		return
	}
	w.reqSamples.Add(rs)
	w.latency.Record(rs.Duration())
}

// Connecting implements client.Host. The first connect of a timed run
// starts the warm-up.
func (w *Worker) Connecting(*client.Client) {
	if !w.cfg.TimingMode() || w.phase != stats.PhaseInitialIdle {
		return
	}
	w.setPhase(stats.PhaseWarmUp)
	w.warmUpTimer = w.loop.AfterFunc(w.cfg.WarmUpTime.D(), w.startMain)
}

// Released implements client.Host.
func (w *Worker) Released(c *client.Client) {
	if c.State() == client.StateFailed {
		w.failed++
	}
	w.cliSamples.Add(c.Stat())
	w.live--
	if w.live == 0 && w.spawned >= w.opts.Clients {
		w.finish()
	}
}
