package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/bc-dunia/h2drill/internal/client"
	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/session"
	"github.com/bc-dunia/h2drill/internal/stats"
)

func TestDistribute(t *testing.T) {
	tests := []struct {
		total uint64
		n     int
		want  []uint64
	}{
		{10, 3, []uint64{4, 3, 3}},
		{9, 3, []uint64{3, 3, 3}},
		{2, 4, []uint64{1, 1, 0, 0}},
		{0, 2, []uint64{0, 0}},
		{5, 0, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Distribute(tt.total, tt.n), "Distribute(%d, %d)", tt.total, tt.n)
	}

	for total := uint64(0); total < 50; total++ {
		for n := 1; n < 9; n++ {
			parts := Distribute(total, n)
			var sum, lo, hi uint64
			lo = parts[0]
			for _, p := range parts {
				sum += p
				lo, hi = min(lo, p), max(hi, p)
			}
			require.Equal(t, total, sum)
			require.LessOrEqual(t, hi-lo, uint64(1))
		}
	}
}

type counter struct{ n atomic.Int64 }

func (c *counter) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.n.Add(1)
		w.WriteHeader(status)
		w.Write([]byte("hello"))
	})
}

func h2cServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h2c.NewHandler(h, &http2.Server{}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, url string, mutate func(cfg *config.Config)) *config.Config {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, cfg.SetURI(url))
	cfg.ReconnectDelay = config.Duration(time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Finalize())
	require.NoError(t, cfg.Validate())
	return cfg
}

func run(t *testing.T, w *Worker, timeout time.Duration) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	require.NoError(t, ctx.Err(), "worker did not finish in time")
	return w.Result()
}

func TestFixedRunOverH2C(t *testing.T) {
	var served counter
	srv := h2cServer(t, served.handler(http.StatusOK))
	cfg := testConfig(t, srv.URL+"/ping", func(cfg *config.Config) {
		cfg.Requests = 20
		cfg.Clients = 4
		cfg.MaxConcurrentStreams = 2
	})

	res := run(t, New(Options{Config: cfg, Requests: 20, Clients: 4}), 5*time.Second)

	st := res.Stats
	assert.Equal(t, uint64(20), st.ReqTodo)
	assert.Equal(t, uint64(20), st.ReqStarted)
	assert.Equal(t, uint64(20), st.ReqDone)
	assert.Equal(t, uint64(20), st.ReqStatusSuccess)
	assert.Zero(t, st.ReqFailed)
	assert.Equal(t, uint64(20), st.Status[2])
	assert.Equal(t, uint64(20*len("hello")), st.BytesBody)
	assert.NotZero(t, st.BytesHead)
	assert.Equal(t, uint64(4), st.ConnectAttempts)
	assert.Equal(t, int64(20), served.n.Load())

	assert.Equal(t, 4, res.Clients)
	assert.Zero(t, res.FailedClients)
	assert.Len(t, res.Samples.Requests, 20)
	assert.Len(t, res.Samples.Clients, 4)
	assert.False(t, res.Samples.RequestsSampled)
	assert.Equal(t, int64(20), res.Latency.Count())

	sd := stats.ProcessTimeStats([]stats.WorkerSamples{res.Samples})
	assert.Greater(t, sd.Request.Mean, 0.0)
	assert.Greater(t, sd.Connect.Mean, 0.0)
}

func TestFixedRunOverHTTP1(t *testing.T) {
	var served counter
	srv := httptest.NewServer(served.handler(http.StatusNotFound))
	t.Cleanup(srv.Close)
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.NoTLSProto = session.ProtoH1
		cfg.Requests = 6
		cfg.Clients = 2
	})

	res := run(t, New(Options{Config: cfg, Requests: 6, Clients: 2}), 5*time.Second)

	assert.Equal(t, uint64(6), res.Stats.ReqDone)
	assert.Equal(t, uint64(6), res.Stats.ReqSuccess)
	assert.Zero(t, res.Stats.ReqStatusSuccess)
	assert.Equal(t, uint64(6), res.Stats.ReqFailed)
	assert.Equal(t, uint64(6), res.Stats.Status[4])
}

func TestTimedRunExcludesWarmUp(t *testing.T) {
	var served counter
	srv := h2cServer(t, served.handler(http.StatusOK))
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.Duration = config.Duration(150 * time.Millisecond)
		cfg.WarmUpTime = config.Duration(100 * time.Millisecond)
		cfg.Clients = 2
	})

	res := run(t, New(Options{Config: cfg, Clients: 2}), 5*time.Second)

	st := res.Stats
	require.NotZero(t, st.ReqDone)
	// warm-up traffic reached the server but not the statistics
	assert.Greater(t, uint64(served.n.Load()), st.ReqStarted)
	assert.GreaterOrEqual(t, st.ReqStarted, st.ReqDone)
	assert.Equal(t, st.ReqStatusSuccess, uint64(len(res.Samples.Requests)))
	assert.Equal(t, int64(st.ReqStatusSuccess), res.Latency.Count())
	for _, cs := range res.Samples.Clients {
		assert.False(t, cs.ClientStartTime.IsZero())
		assert.True(t, cs.ConnectTime.IsZero(), "connect happened during warm-up")
	}
}

func TestTimedRunDrainsOpenStreams(t *testing.T) {
	var entered, completed atomic.Int64
	srv := h2cServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered.Add(1)
		select {
		case <-time.After(80 * time.Millisecond):
			w.WriteHeader(http.StatusOK)
			completed.Add(1)
		case <-r.Context().Done():
		}
	}))
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.Duration = config.Duration(120 * time.Millisecond)
		cfg.WarmUpTime = config.Duration(10 * time.Millisecond)
		cfg.Clients = 2
		cfg.MaxConcurrentStreams = 4
	})

	res := run(t, New(Options{Config: cfg, Clients: 2}), 5*time.Second)

	assert.Len(t, res.Samples.Clients, 2)
	assert.Zero(t, res.FailedClients)
	// every stream the clients opened was answered before they closed
	assert.Eventually(t, func() bool { return entered.Load() == completed.Load() }, time.Second, 10*time.Millisecond)
}

func TestRateModeRampsClients(t *testing.T) {
	var served counter
	srv := h2cServer(t, served.handler(http.StatusOK))
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.Requests = 4
		cfg.Clients = 4
		cfg.Rate = 2
		cfg.RatePeriod = config.Duration(80 * time.Millisecond)
	})

	start := time.Now()
	res := run(t, New(Options{Config: cfg, Requests: 4, Clients: 4, Rate: 2}), 5*time.Second)

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 4, res.Clients)
	assert.Equal(t, uint64(4), res.Stats.ReqStatusSuccess)
}

func TestCancelStopsTimedRun(t *testing.T) {
	var served counter
	srv := h2cServer(t, served.handler(http.StatusOK))
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.Duration = config.Duration(time.Minute)
		cfg.Clients = 2
	})
	w := New(Options{Config: cfg, Clients: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored cancellation")
	}
	res := w.Result()
	assert.Equal(t, 2, res.Clients)
	assert.Len(t, res.Samples.Clients, 2)
	assert.NotZero(t, res.Stats.ReqDone)
}

func TestUnreachableTargetFailsClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t, "http://"+addr, func(cfg *config.Config) {
		cfg.Requests = 3
		cfg.Clients = 3
		cfg.ConnectRetries = 1
	})

	res := run(t, New(Options{Config: cfg, Requests: 3, Clients: 3}), 5*time.Second)

	assert.Equal(t, 3, res.FailedClients)
	assert.Equal(t, uint64(3), res.Stats.ClientsFailed)
	assert.Equal(t, uint64(6), res.Stats.ConnectAttempts)
	assert.Equal(t, uint64(3), res.Stats.Reconnects)
	assert.Equal(t, uint64(3), res.Stats.ReqFailed)
	assert.Equal(t, uint64(3), res.Stats.ReqError)
	assert.Zero(t, res.Stats.ReqDone)
}

func TestClientsShareAggregator(t *testing.T) {
	var served counter
	srv := h2cServer(t, served.handler(http.StatusOK))
	cfg := testConfig(t, srv.URL, func(cfg *config.Config) {
		cfg.Requests = 10
		cfg.Clients = 2
	})
	agg := stats.NewAggregator(0)

	run(t, New(Options{Config: cfg, Requests: 10, Clients: 2, Env: client.Env{Aggregator: agg}}), 5*time.Second)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(10), snap.ReqDone)
	assert.Equal(t, uint64(10), snap.ReqSuccess)
	assert.Zero(t, snap.ActiveConns)
}
