// Package target is a small HTTP/2 and HTTP/1.1 server to aim the load
// generator at. It keeps an in-memory resource collection for the CRUD
// workflow and can be told to misbehave: slow answers, rate limiting,
// limited concurrency and connection closes.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/bc-dunia/h2drill/internal/otel"
)

// DefaultResourcePath is where the resource collection lives.
const DefaultResourcePath = "/items"

// Behavior controls how the server misbehaves. The zero value answers
// everything immediately.
type Behavior struct {
	// Delay is added before every response.
	Delay time.Duration
	// RatePerSec limits accepted requests; the excess gets 429.
	RatePerSec float64
	Burst      int
	// MaxInflight limits concurrently handled requests; the excess gets 503.
	MaxInflight int
	// CloseEvery asks HTTP/1.1 clients to close the connection on every
	// n-th response.
	CloseEvery int
	// BodySize is the size of the body returned by the catch-all route.
	BodySize int
}

// Config configures the server.
type Config struct {
	Addr string
	// CertFile and KeyFile switch to TLS with h2 and http/1.1 via ALPN.
	// Without them the server speaks h2c (prior knowledge or upgrade) and
	// HTTP/1.1 on the same port.
	CertFile     string
	KeyFile      string
	ResourcePath string
	Behavior     Behavior
	Tracer       *otel.Tracer
}

// Server serves the target.
type Server struct {
	cfg      Config
	store    *store
	limiter  *rate.Limiter
	inflight chan struct{}

	httpServer *http.Server
	listener   net.Listener

	served    atomic.Int64
	responses atomic.Int64
}

// New builds a server. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.ResourcePath == "" {
		cfg.ResourcePath = DefaultResourcePath
	}
	cfg.ResourcePath = "/" + strings.Trim(cfg.ResourcePath, "/")
	s := &Server{cfg: cfg, store: newStore()}
	if b := cfg.Behavior; b.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(b.RatePerSec), max(b.Burst, 1))
	}
	if cfg.Behavior.MaxInflight > 0 {
		s.inflight = make(chan struct{}, cfg.Behavior.MaxInflight)
	}
	return s
}

// Handler returns the plain HTTP handler, without h2c.
func (s *Server) Handler() http.Handler {
	p := s.cfg.ResourcePath
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p, s.create)
	mux.HandleFunc("GET "+p, s.list)
	mux.HandleFunc("GET "+p+"/{id}", s.read)
	mux.HandleFunc("PUT "+p+"/{id}", s.update)
	mux.HandleFunc("PATCH "+p+"/{id}", s.update)
	mux.HandleFunc("DELETE "+p+"/{id}", s.remove)
	mux.HandleFunc("/status/{code}", s.status)
	mux.HandleFunc("/", s.fallback)
	return otel.Middleware(s.cfg.Tracer)(s.behave(mux))
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln

	h2s := &http2.Server{}
	if s.tls() {
		s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		if err := http2.ConfigureServer(s.httpServer, h2s); err != nil {
			ln.Close()
			return fmt.Errorf("configure http2: %w", err)
		}
		go func() { _ = s.httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile) }()
		return nil
	}

	s.httpServer = &http.Server{Handler: h2c.NewHandler(s.Handler(), h2s), ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = s.httpServer.Serve(ln) }()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr is the listening address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the base URL of the server.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	scheme := "http"
	if s.tls() {
		scheme = "https"
	}
	return scheme + "://" + s.Addr()
}

// Served is the number of requests that reached a route.
func (s *Server) Served() int64 { return s.served.Load() }

// Resources is the number of live resources.
func (s *Server) Resources() int { return s.store.len() }

func (s *Server) tls() bool { return s.cfg.CertFile != "" && s.cfg.KeyFile != "" }

// behave applies the configured misbehavior in front of the routes.
func (s *Server) behave(next http.Handler) http.Handler {
	b := s.cfg.Behavior
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if s.inflight != nil {
			select {
			case s.inflight <- struct{}{}:
				defer func() { <-s.inflight }()
			default:
				http.Error(w, "too many requests in flight", http.StatusServiceUnavailable)
				return
			}
		}
		if !sleepWithContext(r.Context(), b.Delay) {
			return
		}
		if b.CloseEvery > 0 && r.ProtoMajor == 1 && s.responses.Add(1)%int64(b.CloseEvery) == 0 {
			w.Header().Set("Connection", "close")
		}
		s.served.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	id := s.store.create(body)
	loc := s.cfg.ResourcePath + "/" + id
	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, id)
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, strconv.Itoa(s.store.len()))
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	body, ok := s.store.get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !s.store.update(r.PathValue("id"), body) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	if !s.store.remove(r.PathValue("id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 200 || code > 599 {
		http.Error(w, "bad status code", http.StatusBadRequest)
		return
	}
	w.WriteHeader(code)
}

func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	if n := s.cfg.Behavior.BodySize; n > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(n))
		_, _ = w.Write(make([]byte, n))
		return
	}
	_, _ = io.WriteString(w, "ok")
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// store is the in-memory resource collection.
type store struct {
	mu    sync.Mutex
	next  uint64
	items map[string][]byte
}

func newStore() *store {
	return &store{items: make(map[string][]byte)}
}

func (s *store) create(body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := strconv.FormatUint(s.next, 10)
	s.items[id] = body
	return id
}

func (s *store) get(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[id]
	return b, ok
}

func (s *store) update(id string, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	s.items[id] = body
	return true
}

func (s *store) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
