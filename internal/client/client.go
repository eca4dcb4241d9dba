// Package client implements the per-connection state machine of the load
// generator: resolve, connect, negotiate a protocol, keep the session busy
// with requests, account every stream, and reconnect or give up on failure.
//
// A Client belongs to exactly one worker loop. Every method, callback and
// timer runs on that loop; I/O helpers post their results back to it.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/events"
	"github.com/bc-dunia/h2drill/internal/loop"
	"github.com/bc-dunia/h2drill/internal/otel"
	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/session"
	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/transport"
)

const (
	// streamSweepInterval is how often open streams are checked against the
	// stream timeout.
	streamSweepInterval = 10 * time.Millisecond
	minRPSPeriod        = 10 * time.Millisecond
)

// State is the lifecycle state of a client.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateTLSHandshake
	StateConnected
	StateActive
	StateDraining
	StateReconnectWait
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the client has been released.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Host is the worker side of a client.
type Host interface {
	Phase() stats.Phase
	Stats() *stats.Stats
	// RecordRequest receives every successfully closed budget stream of the
	// main phase.
	RecordRequest(rs stats.RequestStat)
	// Connecting is called when the client starts its first connection.
	Connecting(c *Client)
	// Released is called exactly once, when the client is done for good.
	Released(c *Client)
}

// RequestLogger receives one record per stream closed in the main phase.
// status is -1 for streams that failed.
type RequestLogger interface {
	Log(start time.Time, status int, latency time.Duration)
}

// Env is what the clients of one worker share.
type Env struct {
	RunID    string
	WorkerID string

	Loop       *loop.Loop
	Config     *config.Config
	Resolver   transport.Resolver
	Backend    transport.Backend
	TLS        *tls.Config
	Aggregator *stats.Aggregator

	Events     *events.EventLogger
	Metrics    *otel.Metrics
	Tracer     *otel.Tracer
	RequestLog RequestLogger
}

// SetDefaults fills unset collaborators with their no-op or standard
// implementations.
func (e *Env) SetDefaults() {
	if e.Events == nil {
		e.Events = events.NoopEventLogger()
	}
	if e.Metrics == nil {
		e.Metrics = otel.NoopMetrics()
	}
	if e.Tracer == nil {
		e.Tracer = otel.NoopTracer()
	}
	if e.Aggregator == nil {
		e.Aggregator = stats.NewAggregator(e.Config.RPS)
	}
	if e.Backend == nil {
		e.Backend = transport.NetBackend{}
	}
	if e.Resolver == nil {
		e.Resolver = &transport.NetResolver{UnixPath: e.Config.UnixSocket}
	}
}

// Client drives one connection at a time to the target. The ClientStat it
// carries survives reconnects, so a replacement connection reports as a
// continuation of the previous one.
type Client struct {
	id   uint64
	env  *Env
	host Host
	cfg  *config.Config
	gen  *request.Generator
	crud *request.CRUD
	opts session.Options

	state      State
	generation int
	released   bool
	lastErr    error

	dialHost      string
	dialPort      int
	cands         *transport.Candidates
	conn          transport.Conn
	connSeq       uint64
	cancelResolve context.CancelFunc
	attemptStart  time.Time

	sess   session.Session
	out    bytes.Buffer
	opened bool
	// closing is set once the session was asked to terminate; the
	// connection closes when the goodbye has been written.
	closing          bool
	newConnRequested bool
	// drain is set once the client may not start new work.
	drain bool

	streams       map[uint32]*Stream
	submitting    *request.Data
	submittingRPS bool
	chained       []*request.Data

	timing   bool
	reqLeft  uint64
	inflight uint64

	// script holds the send offsets of a timing script; scriptIdx is the
	// next entry and scriptStart the time offset zero maps to.
	script      []time.Duration
	scriptIdx   int
	scriptStart time.Time
	keepBody    bool

	rps         bool
	rpsPending  int
	rpsInflight int
	rpsStarted  time.Time

	cstat stats.ClientStat

	retries int
	bo      *backoff.ExponentialBackOff

	connectTimer    *loop.Timer
	activeTimer     *loop.Timer
	inactivityTimer *loop.Timer
	sweepTimer      *loop.Timer
	rpsTimer        *loop.Timer
	retryTimer      *loop.Timer
	scriptTimer     *loop.Timer

	ctx  context.Context
	span trace.Span
}

// New returns an idle client with a budget of reqs requests. In timing mode
// the budget is ignored and the client runs until stopped.
func New(id uint64, reqs uint64, gen *request.Generator, env *Env, host Host) *Client {
	env.SetDefaults()
	cfg := env.Config

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectDelay.D()
	bo.MaxInterval = cfg.ReconnectMaxDelay.D()
	bo.MaxElapsedTime = 0
	bo.Reset()

	c := &Client{
		id:      id,
		env:     env,
		host:    host,
		cfg:     cfg,
		gen:     gen,
		crud:    request.NewCRUD(cfg, &host.Stats().CRUD),
		streams: make(map[uint32]*Stream),
		timing:  cfg.TimingMode(),
		reqLeft: reqs,
		rps:     cfg.RPSEnabled(),
		script:  cfg.Timings,
		retries: cfg.ConnectRetries,
		bo:      bo,
		ctx:     context.Background(),
	}
	c.dialHost, c.dialPort, _ = cfg.DialHostPort()

	wanted := []string{}
	if gen != nil {
		wanted = append(wanted, gen.WantedHeaders()...)
	}
	if h := c.crud.ResourceHeader(); h != "" {
		wanted = append(wanted, h)
	}
	if gen != nil && gen.Scripted() {
		// scripts see every header and the body
		wanted = nil
		c.keepBody = true
	}
	c.opts = session.Options{
		MaxConcurrentStreams:   cfg.MaxConcurrentStreams,
		WindowBits:             cfg.WindowBits,
		ConnectionWindowBits:   cfg.ConnectionWindowBits,
		HeaderTableSize:        cfg.HeaderTableSize,
		EncoderHeaderTableSize: cfg.EncoderHeaderTableSize,
		WantedHeaders:          wanted,
	}
	return c
}

func (c *Client) ID() uint64 { return c.id }

func (c *Client) State() State { return c.state }

// Generation counts connections attempted so far, starting at 1.
func (c *Client) Generation() int { return c.generation }

// Stat returns the client measurements accumulated over all generations.
func (c *Client) Stat() stats.ClientStat { return c.cstat }

// Err returns the failure that released the client, if any.
func (c *Client) Err() error {
	if c.state != StateFailed {
		return nil
	}
	return c.lastErr
}

// RequestLeft is the part of the budget not yet submitted.
func (c *Client) RequestLeft() uint64 { return c.reqLeft }

// RequestStat returns the measurement of an open stream. Closed or unknown
// streams are not found.
func (c *Client) RequestStat(id uint32) (stats.RequestStat, bool) {
	st, ok := c.streams[id]
	if !ok {
		return stats.RequestStat{}, false
	}
	return st.Stat, true
}

// BeginMeasurement restarts the client's timing window, for the start of the
// main phase.
func (c *Client) BeginMeasurement(now time.Time) {
	c.cstat.ClientStartTime = now
	c.cstat.ClearConnectTimes()
	c.cstat.ConnectStartTime = now
}

// Connect starts the first connection.
func (c *Client) Connect() error {
	if c.state != StateIdle {
		return ErrStarted
	}
	c.host.Connecting(c)
	if !c.timing {
		stats.RecordOnce(&c.cstat.ClientStartTime, time.Now())
	}
	c.startConnect()
	return nil
}

// Stop closes the connection and releases the client. Work not finished by
// then counts as failed in the main phase. Stop is idempotent.
func (c *Client) Stop() {
	if c.released {
		return
	}
	if c.sess != nil && c.conn != nil && !c.closing {
		c.sess.Terminate()
		_ = c.flush()
	}
	c.processAbandoned()
	c.disconnect()
	c.release(StateClosed)
}

// Drain stops new submissions and closes the connection once the open
// streams have finished. A client that is not connected is stopped. In a
// counted run the unsent budget is charged as failed.
func (c *Client) Drain() {
	if c.released {
		return
	}
	c.drain = true
	if c.host.Phase() == stats.PhaseMainDuration && !c.timing {
		s := c.host.Stats()
		s.ReqFailed += c.reqLeft
		s.ReqError += c.reqLeft
		c.reqLeft = 0
	}
	if c.sess == nil || c.conn == nil {
		c.Stop()
		return
	}
	c.state = StateDraining
	c.checkDone()
	c.afterIO()
}

func (c *Client) startConnect() {
	c.generation++
	stats.RecordOnce(&c.cstat.ConnectStartTime, time.Now())
	c.ctx, c.span = c.env.Tracer.StartConnectionSpan(context.Background(), otel.ConnectionSpanOptions{
		RunID:      c.env.RunID,
		WorkerID:   c.env.WorkerID,
		ClientID:   c.id,
		Generation: c.generation,
		Authority:  c.cfg.Authority(),
	})
	c.resolve()
}

func (c *Client) resolve() {
	c.state = StateResolving
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout())
	c.cancelResolve = cancel

	seq := c.connSeq
	resolver, host, port := c.env.Resolver, c.dialHost, c.dialPort
	go func() {
		addrs, err := resolver.Resolve(ctx, host, port)
		c.env.Loop.Post(func() {
			if seq != c.connSeq || c.state != StateResolving {
				return
			}
			c.resolved(addrs, err)
		})
	}()
}

func (c *Client) resolved(addrs []transport.Addr, err error) {
	if c.cancelResolve != nil {
		c.cancelResolve()
		c.cancelResolve = nil
	}
	if err == nil && len(addrs) == 0 {
		err = transport.ErrNoAddresses
	}
	if err != nil {
		c.tryAgainOrFail(c.errorf("resolve", ResolutionFailure, err))
		return
	}
	c.cands = transport.NewCandidates(addrs)
	c.dial()
}

func (c *Client) dial() {
	addr, _ := c.cands.Current()
	c.state = StateConnecting
	c.connSeq++
	c.attemptStart = time.Now()
	c.host.Stats().ConnectAttempts++

	l := &link{c: c, seq: c.connSeq}
	c.conn = c.env.Backend.Dial(c.env.Loop, addr, transport.DialOptions{
		Timeout: c.connectTimeout(),
		TLS:     c.env.TLS,
	}, l)
	c.connectTimer = c.env.Loop.AfterFunc(c.connectTimeout(), func() {
		c.connectFailed(errConnectTimeout)
	})
}

func (c *Client) connectTimeout() time.Duration {
	if d := c.cfg.ConnectTimeout.D(); d > 0 {
		return d
	}
	return transport.DefaultConnectTimeout
}

func (c *Client) connecting() bool {
	return c.state == StateConnecting || c.state == StateTLSHandshake
}

func (c *Client) handshaking() {
	if c.state == StateConnecting {
		c.state = StateTLSHandshake
	}
}

func (c *Client) connectFailed(err error) {
	if !c.connecting() {
		return
	}
	c.connectTimer.Stop()
	c.host.Stats().ConnectFailures++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connSeq++

	kind := ConnectFailure
	switch {
	case errors.Is(err, transport.ErrTLSHandshake):
		kind = TLSFailure
	case errors.Is(err, errConnectTimeout):
		kind = TimeoutFailure
	}
	if kind != TLSFailure && c.cands.Advance() {
		c.dial()
		return
	}
	c.tryAgainOrFail(c.errorf("connect", kind, err))
}

func (c *Client) connected(alpn string) {
	c.connectTimer.Stop()
	proto, ok := session.Select(alpn, c.env.TLS != nil, c.cfg.NoTLSProto)
	if !ok {
		c.fail(c.errorf("negotiate", ProtocolError, errNoProtocol))
		return
	}
	sess, err := session.New(proto, &c.out, c, c.opts)
	if err != nil {
		c.fail(c.errorf("negotiate", ProtocolError, err))
		return
	}

	now := time.Now()
	c.sess = sess
	c.state = StateConnected
	c.opened = true
	c.retries = c.cfg.ConnectRetries
	c.bo.Reset()
	stats.RecordOnce(&c.cstat.ConnectTime, now)
	c.env.Aggregator.ConnOpened()
	c.env.Metrics.ConnectionOpened(c.ctx, proto)
	if addr, ok := c.cands.Current(); ok {
		c.env.Events.LogClientConnected(c.id, addr.String(), proto, now.Sub(c.attemptStart))
	}

	sess.OnConnect()
	c.startTimers(now)
	c.state = StateActive

	if c.rps {
		// one request goes out right away, the ticker paces the rest
		c.submitBudget(true)
	}
	c.fill()
	c.afterIO()
}

func (c *Client) startTimers(now time.Time) {
	if d := c.cfg.ConnInactivityTimeout.D(); d > 0 {
		c.inactivityTimer = c.env.Loop.AfterFunc(d, func() {
			c.connTimeout("inactivity timeout", errInactivityTimeout)
		})
	}
	if c.cfg.StreamTimeout.D() > 0 {
		c.sweepTimer = c.env.Loop.Every(streamSweepInterval, func() {
			c.sweepStreams()
			c.afterIO()
		})
	}
	if c.rps {
		c.rpsStarted = now
		c.rpsTimer = c.env.Loop.Every(rpsPeriod(c.env.Aggregator.RPS()), c.rpsTick)
	}
	if len(c.script) > 0 {
		c.scriptStart = now
		if i := min(c.scriptIdx, len(c.script)) - 1; i >= 0 {
			// a reconnect keeps the spacing after the last entry sent
			c.scriptStart = now.Add(-c.script[i])
		}
	}
}

func (c *Client) stopTimers() {
	c.connectTimer.Stop()
	c.activeTimer.Stop()
	c.inactivityTimer.Stop()
	c.sweepTimer.Stop()
	c.rpsTimer.Stop()
	c.scriptTimer.Stop()
}

func rpsPeriod(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return max(minRPSPeriod, time.Duration(float64(time.Second)/rate))
}

// rpsTick grants the requests the target rate allowed since the last tick
// and submits as many as the stream limit and the budget permit.
func (c *Client) rpsTick() {
	if c.sess == nil {
		return
	}
	now := time.Now()
	rate := c.env.Aggregator.RPS()
	if rate <= 0 {
		c.rpsStarted = now
		return
	}
	c.rpsTimer.SetPeriod(rpsPeriod(rate))

	n := int(math.Round(now.Sub(c.rpsStarted).Seconds() * rate))
	c.rpsPending += n
	c.rpsStarted = c.rpsStarted.Add(time.Duration(float64(n) / rate * float64(time.Second)))

	c.sweepStreams()
	if c.sess == nil || c.rpsPending == 0 || c.closing || c.sess.Draining() {
		c.afterIO()
		return
	}
	nreq := min(c.sess.MaxConcurrentStreams()-c.rpsInflight, c.rpsPending)
	if !c.timing {
		nreq = int(min(uint64(max(nreq, 0)), c.reqLeft))
	}
	for ; nreq > 0; nreq-- {
		if !c.submitBudget(true) {
			break
		}
		c.rpsPending--
	}
	c.afterIO()
}

func (c *Client) sweepStreams() {
	if c.sess == nil || len(c.streams) == 0 {
		return
	}
	now := time.Now()
	var expired []uint32
	for id, st := range c.streams {
		if st.expired(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return
	}
	slices.Sort(expired)

	n := 0
	for _, id := range expired {
		if _, ok := c.streams[id]; !ok || c.sess == nil {
			continue
		}
		if c.host.Phase() == stats.PhaseMainDuration {
			c.host.Stats().ReqTimedout++
		}
		n++
		c.sess.Reset(id)
	}
	c.env.Events.LogStreamTimeout(c.id, n, c.cfg.StreamTimeout.D())
	c.env.Metrics.RecordStreamTimeouts(c.ctx, n)
}

// connTimeout handles the connection active and inactivity timeouts.
// Outstanding work is abandoned and the client released.
func (c *Client) connTimeout(op string, err error) {
	if c.released {
		return
	}
	if c.host.Phase() == stats.PhaseMainDuration {
		now := time.Now()
		for _, st := range c.streams {
			if !st.Stat.Completed {
				st.Stat.StreamCloseTime = now
			}
		}
		c.host.Stats().ReqTimedout += c.inflight
	}
	c.fail(c.errorf(op, TimeoutFailure, err))
}

func (c *Client) touch() {
	if c.inactivityTimer.Active() {
		c.inactivityTimer.Reset(c.cfg.ConnInactivityTimeout.D())
	}
}

func (c *Client) hasBudget() bool {
	if c.drain {
		return false
	}
	if c.timing {
		return c.host.Phase() != stats.PhaseDurationOver
	}
	return c.reqLeft > 0
}

// hasWork reports whether anything is left to send: budget requests, or the
// follow-ups of CRUD chains already created. A timed run drops the chains
// once the measurement is over.
func (c *Client) hasWork() bool {
	if c.hasBudget() {
		return true
	}
	return !c.timing && !c.drain && c.crud.Pending() > 0
}

func (c *Client) nextBudgetRequest() *request.Data {
	if len(c.chained) > 0 {
		d := c.chained[0]
		c.chained[0] = nil
		c.chained = c.chained[1:]
		return d
	}
	d := c.gen.First()
	if d != nil && d.RequestIndex == 0 {
		c.crud.DecorateCreate(d)
	}
	return d
}

// fill submits CRUD follow-ups first, then budget requests, until the
// session is at capacity or nothing is left. In rps mode budget requests
// also need a granted slot.
func (c *Client) fill() {
	if c.sess == nil || c.closing || c.sess.Draining() || !c.hasWork() {
		return
	}
	for c.crud.Pending() > 0 {
		d := c.crud.Next()
		if !c.submit(d, false) {
			c.crud.Requeue(d)
			break
		}
	}
	if c.rps {
		for c.rpsPending > 0 && c.submitBudget(true) {
			c.rpsPending--
		}
		return
	}
	if len(c.script) > 0 {
		c.fillScript()
		return
	}
	for c.submitBudget(false) {
	}
}

// fillScript submits the budget requests the timing script has made due and
// arms a timer for the next entry. Past the end of the script the remaining
// budget goes out back to back.
func (c *Client) fillScript() {
	c.scriptTimer.Stop()
	now := time.Now()
	for c.hasBudget() {
		if c.scriptIdx < len(c.script) {
			if due := c.scriptStart.Add(c.script[c.scriptIdx]); due.After(now) {
				c.scriptTimer = c.env.Loop.AfterFunc(due.Sub(now), c.afterIO)
				return
			}
		}
		if !c.submitBudget(false) {
			return
		}
		c.scriptIdx++
	}
}

func (c *Client) submitBudget(rps bool) bool {
	if c.sess == nil || !c.hasBudget() {
		return false
	}
	d := c.nextBudgetRequest()
	if d == nil {
		return false
	}
	if !c.submit(d, rps) {
		c.chained = append([]*request.Data{d}, c.chained...)
		return false
	}
	if rps {
		c.rpsInflight++
	}
	if c.host.Phase() == stats.PhaseMainDuration {
		c.host.Stats().ReqStarted++
		c.inflight++
		if !c.timing {
			c.reqLeft--
		}
		c.env.Aggregator.RequestSent()
	}
	if !c.timing && c.reqLeft == 0 && c.cfg.ConnActiveTimeout > 0 && !c.activeTimer.Active() {
		c.activeTimer = c.env.Loop.AfterFunc(c.cfg.ConnActiveTimeout.D(), func() {
			c.connTimeout("active timeout", errActiveTimeout)
		})
	}
	return true
}

// submit hands d to the session. A full or draining session is not an
// error; anything else gives up the remaining budget.
func (c *Client) submit(d *request.Data, rps bool) bool {
	c.submitting, c.submittingRPS = d, rps
	id, err := c.sess.Submit(d)
	c.submitting, c.submittingRPS = nil, false
	if err != nil {
		if !errors.Is(err, session.ErrAtCapacity) && !errors.Is(err, session.ErrGoAway) {
			c.processRequestFailure()
		}
		return false
	}
	c.crud.Submitted(id, d)
	return true
}

func (c *Client) processRequestFailure() {
	if c.host.Phase() == stats.PhaseMainDuration && !c.timing {
		s := c.host.Stats()
		s.ReqFailed += c.reqLeft
		s.ReqError += c.reqLeft
		c.reqLeft = 0
	}
	if len(c.streams) == 0 {
		c.terminateSession()
	}
}

func (c *Client) checkDone() {
	if c.closing || c.sess == nil || c.hasWork() {
		return
	}
	if len(c.streams) == 0 {
		c.terminateSession()
	}
}

func (c *Client) terminateSession() {
	if c.sess == nil || c.closing {
		return
	}
	c.closing = true
	c.state = StateDraining
	c.sess.Terminate()
}

// afterIO runs at the end of every loop entry that touched the session:
// it flushes output and settles draining or finished connections.
func (c *Client) afterIO() {
	if c.sess == nil || c.released {
		return
	}
	if !c.closing {
		c.fill()
	}
	if err := c.flush(); err != nil {
		c.tryAgainOrFail(err)
		return
	}
	if c.closing {
		if c.out.Len() == 0 && !c.conn.Writing() {
			c.finish()
		}
		return
	}
	if c.sess.Draining() || !c.hasWork() {
		c.state = StateDraining
	}
	if c.sess.Draining() && c.sess.Active() == 0 {
		if c.hasWork() {
			c.newConnRequested = true
			c.tryAgainOrFail(c.errorf("drain", IOFailure, session.ErrGoAway))
			return
		}
		c.finish()
	}
}

func (c *Client) flush() *ClientError {
	if c.conn == nil || c.sess == nil {
		return nil
	}
	c.sess.OnWrite()
	if c.out.Len() == 0 || c.conn.Writing() {
		return nil
	}
	if err := c.conn.Write(c.out.Bytes()); err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		return c.errorf("write", IOFailure, err)
	}
	c.out.Reset()
	c.touch()
	return nil
}

func (c *Client) onRead(p []byte) {
	if c.sess == nil {
		return
	}
	if c.host.Phase() == stats.PhaseMainDuration {
		c.host.Stats().BytesTotal += uint64(len(p))
	}
	stats.RecordOnce(&c.cstat.TTFB, time.Now())
	c.touch()
	if err := c.sess.OnRead(p); err != nil {
		c.tryAgainOrFail(c.errorf("read", ProtocolError, err))
		return
	}
	c.afterIO()
}

func (c *Client) onReadError(err error) {
	if c.sess == nil {
		return
	}
	if !errors.Is(err, io.EOF) {
		c.tryAgainOrFail(c.errorf("read", IOFailure, err))
		return
	}
	c.sess.OnEOF()
	if c.closing || (!c.hasWork() && len(c.streams) == 0) {
		c.finish()
		return
	}
	if c.sess.Draining() {
		c.newConnRequested = true
	}
	c.tryAgainOrFail(c.errorf("read", IOFailure, errPeerClosed))
}

func (c *Client) onWriteDone(err error) {
	if c.sess == nil {
		return
	}
	if err != nil {
		c.tryAgainOrFail(c.errorf("write", IOFailure, err))
		return
	}
	c.touch()
	c.afterIO()
}

// tryAgainOrFail drops the connection and either schedules a new one or
// releases the client. A reconnect is allowed when the peer asked for a new
// connection, or when connect retries remain; it never happens once the
// budget is used up and no CRUD follow-up is waiting.
func (c *Client) tryAgainOrFail(err *ClientError) {
	if c.released {
		return
	}
	c.lastErr = err

	if !c.hasWork() {
		c.abandonInflight()
		c.crud.Abandon()
		c.disconnect()
		c.release(StateClosed)
		return
	}

	var (
		delay  time.Duration
		reason string
	)
	switch {
	case c.newConnRequested:
		c.newConnRequested = false
		reason = "goaway"
	case c.retries > 0:
		c.retries--
		delay = c.bo.NextBackOff()
		reason = err.Kind.String()
		c.env.Metrics.RecordFailure(c.ctx, reason)
		otel.RecordError(c.span, err, reason, true)
	default:
		c.fail(err)
		return
	}

	otel.RecordRetry(c.span, c.generation, reason)
	c.abandonInflight()
	c.disconnect()
	c.state = StateReconnectWait

	c.host.Stats().Reconnects++
	c.env.Aggregator.Reconnected()
	c.env.Metrics.RecordReconnect(c.ctx)
	c.env.Events.LogClientReconnect(c.id, c.generation+1, reason, delay)
	c.retryTimer = c.env.Loop.AfterFunc(delay, func() {
		if c.released || c.state != StateReconnectWait {
			return
		}
		c.startConnect()
	})
}

// abandonInflight charges the open budget streams as failed. Chain requests
// that were on the wire are aborted; queued follow-ups wait for the next
// connection.
func (c *Client) abandonInflight() {
	if c.host.Phase() == stats.PhaseMainDuration {
		s := c.host.Stats()
		s.ReqFailed += c.inflight
		s.ReqError += c.inflight
	}
	c.inflight = 0
	c.rpsInflight = 0
	c.crud.AbandonInFlight()
}

// processAbandoned charges the open streams and the unsubmitted budget as
// failed.
func (c *Client) processAbandoned() {
	if c.host.Phase() == stats.PhaseMainDuration {
		n := c.inflight
		if !c.timing {
			n += c.reqLeft
			c.reqLeft = 0
		}
		s := c.host.Stats()
		s.ReqFailed += n
		s.ReqError += n
	}
	c.inflight = 0
	c.rpsInflight = 0
	c.crud.Abandon()
}

func (c *Client) fail(err *ClientError) {
	if c.released {
		return
	}
	c.lastErr = err
	c.env.Metrics.RecordFailure(c.ctx, err.Kind.String())
	otel.RecordError(c.span, err, err.Kind.String(), false)
	c.processAbandoned()
	c.disconnect()
	c.host.Stats().ClientsFailed++
	c.env.Events.LogClientFailed(c.id, err.Kind.String(), err)
	c.release(StateFailed)
}

func (c *Client) finish() {
	c.crud.Abandon()
	c.disconnect()
	c.release(StateClosed)
}

// disconnect closes the current connection and forgets everything tied to
// it. It is safe to call in any state.
func (c *Client) disconnect() {
	c.stopTimers()
	if c.cancelResolve != nil {
		c.cancelResolve()
		c.cancelResolve = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connSeq++
	if c.opened {
		c.opened = false
		c.env.Aggregator.ConnClosed()
		c.env.Metrics.ConnectionClosed(c.ctx, c.sess.Protocol())
	}
	c.sess = nil
	c.out.Reset()
	clear(c.streams)
	c.closing = false
	if c.span != nil {
		c.span.End()
		c.span = nil
	}
}

func (c *Client) release(state State) {
	if c.released {
		return
	}
	c.released = true
	c.state = state
	c.retryTimer.Stop()
	if c.gen != nil {
		c.gen.Close()
	}
	if !c.cstat.ClientStartTime.IsZero() {
		stats.RecordOnce(&c.cstat.ClientEndTime, time.Now())
	}
	c.host.Released(c)
}

func (c *Client) errorf(op string, kind FailureKind, err error) *ClientError {
	return &ClientError{Op: op, ClientID: c.id, Kind: kind, Err: err}
}

// Session callbacks.

func (c *Client) OnRequestStart(id uint32) {
	st := newStream(id, c.submitting, time.Now(), c.cfg.StreamTimeout.D())
	st.rps = c.submittingRPS
	c.streams[id] = st
}

func (c *Client) OnHeader(id uint32, name, value string) {
	if st, ok := c.streams[id]; ok {
		st.setHeader(name, value)
	}
}

func (c *Client) OnStatusCode(id uint32, status int) {
	st, ok := c.streams[id]
	if !ok {
		return
	}
	st.Stat.Status = status
	if st.Extra() {
		return
	}
	if c.host.Phase() != stats.PhaseMainDuration {
		st.statusSuccess = true
		return
	}
	st.statusSuccess = status >= 200 && status < 400
	if status < 600 {
		c.host.Stats().RecordStatus(status)
	}
}

func (c *Client) OnDataChunk(id uint32, p []byte) {
	if c.host.Phase() == stats.PhaseMainDuration {
		c.host.Stats().BytesBody += uint64(len(p))
	}
	if c.keepBody {
		if st, ok := c.streams[id]; ok {
			st.body = append(st.body, p...)
		}
	}
}

func (c *Client) OnHeaderBytes(compressed, decompressed int) {
	if c.host.Phase() == stats.PhaseMainDuration {
		s := c.host.Stats()
		s.BytesHead += uint64(compressed)
		s.BytesHeadDecomp += uint64(decompressed)
	}
}

// OnStreamClose accounts a finished stream, advances its scenario or CRUD
// chain, and then keeps the session busy or winds it down.
func (c *Client) OnStreamClose(id uint32, success, final bool) {
	st, ok := c.streams[id]
	if !ok {
		return
	}
	delete(c.streams, id)

	defer func() {
		if c.sess == nil || c.closing {
			return
		}
		if !final {
			c.fill()
		}
		c.checkDone()
	}()

	now := time.Now()
	st.Stat.StreamCloseTime = now
	if st.rps && c.rpsInflight > 0 {
		c.rpsInflight--
	}
	if !st.Extra() && c.host.Phase() == stats.PhaseMainDuration {
		if success {
			if ok, has := c.gen.Validate(st.Req, st.response()); has {
				st.statusSuccess = ok
			}
		}
		c.account(st, success, now)
	}
	c.advance(st, success)
}

func (c *Client) account(st *Stream, success bool, now time.Time) {
	s := c.host.Stats()
	if c.inflight > 0 {
		c.inflight--
	}
	if success {
		st.Stat.Completed = true
		s.ReqSuccess++
		c.cstat.ReqSuccess++
		if st.statusSuccess {
			s.ReqStatusSuccess++
		} else {
			s.ReqFailed++
			c.env.Metrics.RecordFailure(c.ctx, ApplicationStatus.String())
		}
		c.host.RecordRequest(st.Stat)
	} else {
		s.ReqFailed++
		s.ReqError++
	}
	s.ReqDone++

	latency := now.Sub(st.Stat.RequestTime)
	ok := success && st.statusSuccess
	c.env.Aggregator.RequestDone(st.Stat.Status, ok, latency.Microseconds())
	c.env.Metrics.RecordRequest(c.ctx, st.Stat.Status, float64(latency)/float64(time.Millisecond), ok)
	if c.env.RequestLog != nil {
		status := st.Stat.Status
		if !success {
			status = -1
		}
		c.env.RequestLog.Log(st.Stat.RequestTime, status, latency)
	}
}

func (c *Client) advance(st *Stream, success bool) {
	resp := st.response()
	c.crud.Completed(st.ID, resp, success)
	if st.Extra() || !success || !resp.Succeeded() {
		return
	}
	if next, ok := c.gen.Follow(st.Req, resp); ok {
		c.chained = append(c.chained, next)
	}
}

// link routes transport events of one connection to its client and drops
// them once the client has moved on to another connection.
type link struct {
	c   *Client
	seq uint64
}

func (l *link) live() bool { return l.seq == l.c.connSeq && !l.c.released }

func (l *link) OnConnect(proto string) {
	if l.live() && l.c.connecting() {
		l.c.connected(proto)
	}
}

func (l *link) OnHandshake() {
	if l.live() {
		l.c.handshaking()
	}
}

func (l *link) OnConnectError(err error) {
	if l.live() {
		l.c.connectFailed(err)
	}
}

func (l *link) OnRead(p []byte) {
	if l.live() {
		l.c.onRead(p)
	}
}

func (l *link) OnReadError(err error) {
	if l.live() {
		l.c.onReadError(err)
	}
}

func (l *link) OnWriteDone(n int, err error) {
	if l.live() {
		l.c.onWriteDone(err)
	}
}
