package client

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/loop"
	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/session"
	"github.com/bc-dunia/h2drill/internal/stats"
	"github.com/bc-dunia/h2drill/internal/transport"
)

// fakeServer is an in-memory HTTP/1.1 target. Responses are produced by
// respond; an empty answer leaves the request hanging.
type fakeServer struct {
	mu         sync.Mutex
	respond    func(method, path string) string
	failAddr   string
	failDials  int
	// refuseFrom refuses this dial and every later one when positive.
	refuseFrom int
	writeDelay time.Duration
	readDelay  time.Duration
	// stallTLS starts a TLS handshake that never completes.
	stallTLS bool

	dials    int
	requests []string
	closed   int
}

func (s *fakeServer) Dial(ex loop.Executor, addr transport.Addr, opts transport.DialOptions, h transport.Handler) transport.Conn {
	s.mu.Lock()
	s.dials++
	fail := s.dials <= s.failDials || addr.String() == s.failAddr || (s.refuseFrom > 0 && s.dials >= s.refuseFrom)
	s.mu.Unlock()

	c := &fakeConn{srv: s, ex: ex, h: h}
	ex.Post(func() {
		if c.closed {
			return
		}
		if s.stallTLS {
			h.(transport.HandshakeObserver).OnHandshake()
			return
		}
		if fail {
			h.OnConnectError(fmt.Errorf("%w: connection refused", transport.ErrConnect))
			return
		}
		h.OnConnect("")
	})
	return c
}

func (s *fakeServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

type fakeConn struct {
	srv     *fakeServer
	ex      loop.Executor
	h       transport.Handler
	in      []byte
	writing bool
	closed  bool
}

func (c *fakeConn) Write(p []byte) error {
	if c.closed {
		return transport.ErrClosed
	}
	if c.writing {
		return transport.ErrWouldBlock
	}
	c.writing = true
	c.in = append(c.in, p...)
	n := len(p)

	done := func() {
		if c.closed {
			return
		}
		c.writing = false
		c.h.OnWriteDone(n, nil)
		if resp := c.serve(); len(resp) > 0 {
			deliver := func() {
				if !c.closed {
					c.h.OnRead(resp)
				}
			}
			if c.srv.readDelay > 0 {
				time.AfterFunc(c.srv.readDelay, func() { c.ex.Post(deliver) })
			} else {
				c.ex.Post(deliver)
			}
		}
	}
	if c.srv.writeDelay > 0 {
		time.AfterFunc(c.srv.writeDelay, func() { c.ex.Post(done) })
	} else {
		c.ex.Post(done)
	}
	return nil
}

func (c *fakeConn) Writing() bool { return c.writing }

func (c *fakeConn) Close() error {
	if !c.closed {
		c.closed = true
		c.srv.mu.Lock()
		c.srv.closed++
		c.srv.mu.Unlock()
	}
	return nil
}

// serve parses every complete request received so far.
func (c *fakeConn) serve() []byte {
	var out []byte
	for {
		i := bytes.Index(c.in, []byte("\r\n\r\n"))
		if i < 0 {
			return out
		}
		lines := strings.Split(string(c.in[:i]), "\r\n")
		cl := 0
		for _, l := range lines[1:] {
			if name, v, ok := strings.Cut(l, ":"); ok && strings.EqualFold(name, "content-length") {
				cl, _ = strconv.Atoi(strings.TrimSpace(v))
			}
		}
		if len(c.in) < i+4+cl {
			return out
		}
		c.in = c.in[i+4+cl:]

		f := strings.Fields(lines[0])
		c.srv.mu.Lock()
		c.srv.requests = append(c.srv.requests, f[0]+" "+f[1])
		respond := c.srv.respond
		c.srv.mu.Unlock()
		if respond != nil {
			out = append(out, respond(f[0], f[1])...)
		}
	}
}

func response(status int, headers ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d X\r\nContent-Length: 2\r\n", status)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\nok")
	return b.String()
}

func always(status int, headers ...string) func(string, string) string {
	r := response(status, headers...)
	return func(string, string) string { return r }
}

type fakeHost struct {
	phase      stats.Phase
	st         stats.Stats
	records    []stats.RequestStat
	connecting int
	released   int
	done       chan struct{}
}

func (h *fakeHost) Phase() stats.Phase                 { return h.phase }
func (h *fakeHost) Stats() *stats.Stats                { return &h.st }
func (h *fakeHost) RecordRequest(rs stats.RequestStat) { h.records = append(h.records, rs) }
func (h *fakeHost) Connecting(*Client)                 { h.connecting++ }

func (h *fakeHost) Released(*Client) {
	h.released++
	if h.released == 1 {
		close(h.done)
	}
}

type harness struct {
	t    *testing.T
	l    *loop.Loop
	cfg  *config.Config
	srv  *fakeServer
	host *fakeHost
	c    *Client
}

func newHarness(t *testing.T, srv *fakeServer, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 8080
	cfg.NoTLSProto = session.ProtoH1
	cfg.ReconnectDelay = config.Duration(time.Millisecond)
	cfg.ReconnectMaxDelay = config.Duration(5 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		l.Stop()
		cancel()
	})

	return &harness{
		t:    t,
		l:    l,
		cfg:  cfg,
		srv:  srv,
		host: &fakeHost{phase: stats.PhaseMainDuration, done: make(chan struct{})},
	}
}

func (h *harness) start(resolver transport.Resolver) {
	if resolver == nil {
		resolver = transport.StaticResolver{{Network: "tcp", Address: "127.0.0.1:8080"}}
	}
	gen := request.NewGenerator(h.cfg.Scheme, h.cfg.Authority(), request.Compile(h.cfg), 0, 1)
	env := &Env{RunID: "run", WorkerID: "0", Loop: h.l, Config: h.cfg, Resolver: resolver, Backend: h.srv}
	h.do(func() {
		h.c = New(1, h.cfg.Requests, gen, env, h.host)
		require.NoError(h.t, h.c.Connect())
	})
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	ch := make(chan struct{})
	h.l.Post(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		h.t.Fatal("loop did not run the task")
	}
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case <-h.host.done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("client was not released")
	}
	// let anything still queued run before looking at the results
	h.do(func() {})
}

func TestFixedBudgetAccounting(t *testing.T) {
	srv := &fakeServer{respond: always(200)}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 10
		cfg.MaxConcurrentStreams = 3
	})
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(10), st.ReqStarted)
	assert.Equal(t, uint64(10), st.ReqDone)
	assert.Equal(t, uint64(10), st.ReqSuccess)
	assert.Equal(t, uint64(10), st.ReqStatusSuccess)
	assert.Zero(t, st.ReqFailed)
	assert.Equal(t, uint64(10), st.Status[2])
	assert.Len(t, h.host.records, 10)
	assert.Len(t, srv.seen(), 10)

	assert.Equal(t, 1, h.host.released)
	assert.Equal(t, 1, h.host.connecting)
	assert.Equal(t, StateClosed, h.c.State())
	assert.NoError(t, h.c.Err())
	assert.Zero(t, h.c.RequestLeft())

	cs := h.c.Stat()
	assert.Equal(t, uint64(10), cs.ReqSuccess)
	assert.False(t, cs.ConnectTime.Before(cs.ConnectStartTime))
	assert.False(t, cs.TTFB.Before(cs.ConnectTime))
	assert.False(t, cs.ClientEndTime.Before(cs.ClientStartTime))
}

func TestApplicationStatusFailures(t *testing.T) {
	var mu sync.Mutex
	n := 0
	srv := &fakeServer{respond: func(string, string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 0 {
			return response(503)
		}
		return response(200)
	}}
	h := newHarness(t, srv, func(cfg *config.Config) { cfg.Requests = 6 })
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(6), st.ReqDone)
	assert.Equal(t, uint64(6), st.ReqSuccess)
	assert.Equal(t, uint64(3), st.ReqStatusSuccess)
	assert.Equal(t, uint64(3), st.ReqFailed)
	assert.Zero(t, st.ReqError)
	assert.Equal(t, uint64(3), st.Status[2])
	assert.Equal(t, uint64(3), st.Status[5])
}

func TestSlowWritesKeepOrder(t *testing.T) {
	srv := &fakeServer{respond: always(200), writeDelay: 2 * time.Millisecond}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 20
		cfg.MaxConcurrentStreams = 4
		cfg.Variable = config.Variable{Name: "{id}", Start: 0, End: 99}
		cfg.Path = "/items/{id}"
	})
	h.start(nil)
	h.wait()

	assert.Equal(t, uint64(20), h.host.st.ReqStatusSuccess)
	seen := srv.seen()
	require.Len(t, seen, 20)
	for i, r := range seen {
		assert.Equal(t, fmt.Sprintf("GET /items/%02d", i), r)
	}
}

func TestStreamTimeoutResetsStream(t *testing.T) {
	srv := &fakeServer{}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.StreamTimeout = config.Millis(30 * time.Millisecond)
	})
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(1), st.ReqTimedout)
	assert.Equal(t, uint64(1), st.ReqDone)
	assert.Equal(t, uint64(1), st.ReqFailed)
	assert.Equal(t, uint64(1), st.ReqError)
	assert.Zero(t, st.ReqSuccess)
	assert.Empty(t, h.host.records)
	assert.Equal(t, StateClosed, h.c.State())
}

func TestConnectFailureExhaustsRetries(t *testing.T) {
	srv := &fakeServer{failDials: 100}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 5
		cfg.ConnectRetries = 2
	})
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(3), st.ConnectAttempts)
	assert.Equal(t, uint64(3), st.ConnectFailures)
	assert.Equal(t, uint64(2), st.Reconnects)
	assert.Equal(t, uint64(1), st.ClientsFailed)
	assert.Equal(t, uint64(5), st.ReqFailed)
	assert.Equal(t, uint64(5), st.ReqError)
	assert.Zero(t, st.ReqStarted)

	assert.Equal(t, 1, h.host.released)
	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, 3, h.c.Generation())
	assert.Equal(t, ConnectFailure, KindOf(h.c.Err()))

	// a released client ignores further stops
	h.do(h.c.Stop)
	assert.Equal(t, 1, h.host.released)
}

func TestNextCandidateAfterConnectFailure(t *testing.T) {
	srv := &fakeServer{respond: always(200), failAddr: "tcp://10.0.0.1:8080"}
	h := newHarness(t, srv, func(cfg *config.Config) { cfg.Requests = 2 })
	h.start(transport.StaticResolver{
		{Network: "tcp", Address: "10.0.0.1:8080"},
		{Network: "tcp", Address: "10.0.0.2:8080"},
	})
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(2), st.ConnectAttempts)
	assert.Equal(t, uint64(1), st.ConnectFailures)
	assert.Zero(t, st.Reconnects)
	assert.Equal(t, uint64(2), st.ReqStatusSuccess)
	assert.Equal(t, 1, h.c.Generation())
}

func TestResolutionFailure(t *testing.T) {
	srv := &fakeServer{}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.ConnectRetries = 0
	})
	h.start(transport.StaticResolver{})
	h.wait()

	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, ResolutionFailure, KindOf(h.c.Err()))
	assert.ErrorIs(t, h.c.Err(), transport.ErrNoAddresses)
	assert.Zero(t, h.host.st.ConnectAttempts)
}

func TestConnectionCloseOpensNewConnection(t *testing.T) {
	srv := &fakeServer{respond: always(200, "Connection: close")}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 4
		cfg.ConnectRetries = 0
	})
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(4), st.ReqStatusSuccess)
	assert.Equal(t, uint64(3), st.Reconnects)
	assert.Equal(t, uint64(4), st.ConnectAttempts)
	assert.Zero(t, st.ClientsFailed)
	assert.Equal(t, 4, h.c.Generation())
	assert.Equal(t, StateClosed, h.c.State())
}

func TestCRUDChainRunsToDelete(t *testing.T) {
	srv := &fakeServer{respond: func(method, path string) string {
		switch {
		case method == "POST":
			return response(201, "Location: /items/7")
		case method == "DELETE":
			return response(204)
		default:
			return response(200)
		}
	}}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.Path = "/items"
		cfg.CRUD.ResourceHeader = "Location"
	})
	h.start(nil)
	h.wait()

	assert.Equal(t, []string{"POST /items", "GET /items/7", "PATCH /items/7", "DELETE /items/7"}, srv.seen())

	st := h.host.st
	assert.Equal(t, uint64(1), st.ReqDone)
	assert.Equal(t, uint64(1), st.ReqStatusSuccess)
	assert.Equal(t, stats.CRUDStats{Created: 1, Read: 1, Updated: 1, Deleted: 1}, st.CRUD)
}

func TestCRUDChainSurvivesConnectionClose(t *testing.T) {
	srv := &fakeServer{respond: func(method, path string) string {
		switch method {
		case "POST":
			return response(201, "Location: /items/7", "Connection: close")
		case "DELETE":
			return response(204, "Connection: close")
		default:
			return response(200, "Connection: close")
		}
	}}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.Path = "/items"
		cfg.CRUD.ResourceHeader = "Location"
		cfg.ConnectRetries = 0
	})
	h.start(nil)
	h.wait()

	assert.Equal(t, []string{"POST /items", "GET /items/7", "PATCH /items/7", "DELETE /items/7"}, srv.seen())
	st := h.host.st
	assert.Equal(t, stats.CRUDStats{Created: 1, Read: 1, Updated: 1, Deleted: 1}, st.CRUD)
	assert.Equal(t, uint64(3), st.Reconnects)
	assert.Equal(t, uint64(1), st.ReqStatusSuccess)
	assert.Zero(t, st.ClientsFailed)
	assert.Equal(t, StateClosed, h.c.State())
}

func TestCRUDFollowUpsAbortedWhenClientGivesUp(t *testing.T) {
	srv := &fakeServer{
		respond:    always(201, "Location: /items/7", "Connection: close"),
		refuseFrom: 2,
	}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.Path = "/items"
		cfg.CRUD.ResourceHeader = "Location"
		cfg.ConnectRetries = 0
	})
	h.start(nil)
	h.wait()

	assert.Equal(t, []string{"POST /items"}, srv.seen())
	st := h.host.st
	assert.Equal(t, stats.CRUDStats{Created: 1, Aborted: 1}, st.CRUD)
	assert.Equal(t, uint64(1), st.ClientsFailed)
	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, ConnectFailure, KindOf(h.c.Err()))
}

func TestDrainLetsOpenStreamsFinish(t *testing.T) {
	srv := &fakeServer{respond: always(200), readDelay: 150 * time.Millisecond}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 5
		cfg.MaxConcurrentStreams = 1
		cfg.StreamTimeout = 0
	})
	h.start(nil)

	require.Eventually(t, func() bool { return len(srv.seen()) == 1 }, 2*time.Second, 2*time.Millisecond)
	h.do(h.c.Drain)
	h.wait()

	assert.Len(t, srv.seen(), 1, "nothing new is sent while draining")
	st := h.host.st
	assert.Equal(t, uint64(1), st.ReqDone)
	assert.Equal(t, uint64(1), st.ReqStatusSuccess)
	assert.Equal(t, uint64(4), st.ReqFailed, "unsent budget is charged")
	assert.Len(t, h.host.records, 1)
	assert.Equal(t, StateClosed, h.c.State())
}

func TestTLSHandshakeState(t *testing.T) {
	srv := &fakeServer{stallTLS: true}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 1
		cfg.ConnectRetries = 0
		cfg.ConnectTimeout = config.Duration(300 * time.Millisecond)
	})
	h.start(nil)

	require.Eventually(t, func() bool {
		var s State
		h.do(func() { s = h.c.State() })
		return s == StateTLSHandshake
	}, time.Second, 5*time.Millisecond)
	h.wait()

	assert.Equal(t, StateFailed, h.c.State())
	assert.Equal(t, TimeoutFailure, KindOf(h.c.Err()))
	assert.Equal(t, "tls_handshake", StateTLSHandshake.String())
}

func TestStopAbandonsOutstandingWork(t *testing.T) {
	srv := &fakeServer{}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 5
		cfg.MaxConcurrentStreams = 2
		cfg.StreamTimeout = 0
	})
	h.start(nil)

	require.Eventually(t, func() bool {
		var active bool
		h.do(func() { active = h.c.State() == StateActive })
		return active
	}, 2*time.Second, 5*time.Millisecond)

	h.do(func() {
		_, ok := h.c.RequestStat(1)
		assert.True(t, ok)
		h.c.Stop()
	})
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(2), st.ReqStarted)
	assert.Equal(t, uint64(5), st.ReqFailed)
	assert.Equal(t, uint64(5), st.ReqError)
	assert.Zero(t, st.ClientsFailed)
	assert.Equal(t, StateClosed, h.c.State())
	srv.mu.Lock()
	assert.Equal(t, 1, srv.closed)
	srv.mu.Unlock()
}

func TestRPSPacesSubmissions(t *testing.T) {
	srv := &fakeServer{respond: always(200)}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 5
		cfg.MaxConcurrentStreams = 5
		cfg.RPS = 50
	})
	start := time.Now()
	h.start(nil)
	h.wait()

	assert.Equal(t, uint64(5), h.host.st.ReqStatusSuccess)
	// one request at connect, the other four at 20ms intervals
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestTimingScriptSchedulesRequests(t *testing.T) {
	srv := &fakeServer{respond: always(200)}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 3
		cfg.MaxConcurrentStreams = 3
		cfg.Path = "/a"
		cfg.Paths = []string{"/a", "/b", "/c"}
		cfg.Timings = []time.Duration{0, 30 * time.Millisecond, 60 * time.Millisecond}
	})
	start := time.Now()
	h.start(nil)
	h.wait()

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, []string{"GET /a", "GET /b", "GET /c"}, srv.seen())
	assert.Equal(t, uint64(3), h.host.st.ReqStatusSuccess)
}

func TestValidateResponseHookDecidesSuccess(t *testing.T) {
	var mu sync.Mutex
	n := 0
	srv := &fakeServer{respond: func(string, string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 0 {
			return "HTTP/1.1 200 X\r\nContent-Length: 4\r\n\r\nnope"
		}
		return response(200)
	}}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 4
		cfg.Scenarios = []config.ScenarioSchema{{
			Requests: []config.RequestSchema{{
				Path: config.PathSchema{
					Source:    "input",
					Input:     "/check",
					LuaScript: `function validate_response(h, p) return p == "ok" end`,
				},
			}},
		}}
	})
	h.start(nil)
	h.wait()

	st := h.host.st
	assert.Equal(t, uint64(4), st.ReqDone)
	assert.Equal(t, uint64(2), st.ReqStatusSuccess)
	assert.Equal(t, uint64(2), st.ReqFailed)
	assert.Equal(t, uint64(4), st.Status[2])
}

func TestWarmUpRequestsAreNotCounted(t *testing.T) {
	srv := &fakeServer{respond: always(200)}
	h := newHarness(t, srv, func(cfg *config.Config) {
		cfg.Requests = 3
	})
	h.host.phase = stats.PhaseWarmUp
	h.start(nil)

	require.Eventually(t, func() bool { return len(srv.seen()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.do(func() {
		assert.Zero(t, h.host.st.ReqStarted)
		assert.Zero(t, h.host.st.ReqDone)
		assert.Empty(t, h.host.records)
		assert.Equal(t, uint64(3), h.c.RequestLeft())
		h.c.Stop()
	})
	h.wait()
	// nothing was measured, so nothing is charged as abandoned
	assert.Zero(t, h.host.st.ReqFailed)
}

func TestClientErrorFormatting(t *testing.T) {
	err := &ClientError{Op: "connect", ClientID: 3, Kind: TLSFailure, Err: transport.ErrTLSHandshake}
	assert.Equal(t, "client 3: connect: TLSFailure: tls handshake failed", err.Error())
	assert.ErrorIs(t, err, transport.ErrTLSHandshake)
	assert.Equal(t, TLSFailure, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindNone, KindOf(transport.ErrClosed))
}
