// Package stats holds per-worker counters, measurement records and the
// summary statistics computed from them once a run is over.
package stats

import "time"

// Phase is the timing-based run stage a worker is in.
type Phase int

const (
	PhaseInitialIdle Phase = iota
	PhaseWarmUp
	PhaseMainDuration
	PhaseDurationOver
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialIdle:
		return "initial_idle"
	case PhaseWarmUp:
		return "warm_up"
	case PhaseMainDuration:
		return "main_duration"
	case PhaseDurationOver:
		return "duration_over"
	default:
		return "unknown"
	}
}

// StatusBuckets is the size of the status-class histogram: 1xx..5xx plus
// bucket 0 for anything outside that range.
const StatusBuckets = 6

// StatusBucket maps an HTTP status code to its histogram bucket.
func StatusBucket(code int) int {
	b := code / 100
	if b < 1 || b >= StatusBuckets {
		return 0
	}
	return b
}

// RequestStat measures one request/response exchange.
type RequestStat struct {
	// RequestTime is when the request was handed to the session.
	RequestTime time.Time
	// StreamCloseTime is when the stream closed, successfully or not.
	StreamCloseTime time.Time
	// Status is the response status, 0 when none arrived.
	Status int
	// Completed is true when the stream closed without error.
	Completed bool

	ScenarioIndex int
	RequestIndex  int
}

// Duration returns the request latency, or zero when the stream is still open.
func (r RequestStat) Duration() time.Duration {
	if r.StreamCloseTime.IsZero() || r.RequestTime.IsZero() {
		return 0
	}
	return r.StreamCloseTime.Sub(r.RequestTime)
}

// ClientStat measures one client across all of its connection generations.
type ClientStat struct {
	ClientStartTime  time.Time
	ClientEndTime    time.Time
	ConnectStartTime time.Time
	ConnectTime      time.Time
	TTFB             time.Time
	ReqSuccess       uint64
}

// ClearConnectTimes forgets connect and first-byte timestamps so that a new
// measurement window starts from the next connect.
func (c *ClientStat) ClearConnectTimes() {
	c.ConnectStartTime = time.Time{}
	c.ConnectTime = time.Time{}
	c.TTFB = time.Time{}
}

// RecordOnce sets *t to now unless it already holds a value.
func RecordOnce(t *time.Time, now time.Time) bool {
	if !t.IsZero() {
		return false
	}
	*t = now
	return true
}

// CRUDStats counts follow-up operations issued by the CRUD workflow. They are
// kept apart from the request budget counters.
type CRUDStats struct {
	Created uint64 `json:"created"`
	Read    uint64 `json:"read"`
	Updated uint64 `json:"updated"`
	Deleted uint64 `json:"deleted"`
	Failed  uint64 `json:"failed"`
	Aborted uint64 `json:"aborted"`
}

// Stats are a worker's running totals. Only the owning worker's loop writes
// them; the runner reads them after the worker has finished.
type Stats struct {
	ReqTodo          uint64
	ReqStarted       uint64
	ReqDone          uint64
	ReqSuccess       uint64
	ReqStatusSuccess uint64
	ReqFailed        uint64
	ReqError         uint64
	ReqTimedout      uint64

	BytesTotal      uint64
	BytesHead       uint64
	BytesHeadDecomp uint64
	BytesBody       uint64

	Status [StatusBuckets]uint64

	CRUD CRUDStats

	ConnectAttempts uint64
	ConnectFailures uint64
	Reconnects      uint64
	ClientsFailed   uint64
}

// RecordStatus counts a response status in the class histogram.
func (s *Stats) RecordStatus(code int) {
	s.Status[StatusBucket(code)]++
}

// Merge adds o's totals into s.
func (s *Stats) Merge(o *Stats) {
	s.ReqTodo += o.ReqTodo
	s.ReqStarted += o.ReqStarted
	s.ReqDone += o.ReqDone
	s.ReqSuccess += o.ReqSuccess
	s.ReqStatusSuccess += o.ReqStatusSuccess
	s.ReqFailed += o.ReqFailed
	s.ReqError += o.ReqError
	s.ReqTimedout += o.ReqTimedout
	s.BytesTotal += o.BytesTotal
	s.BytesHead += o.BytesHead
	s.BytesHeadDecomp += o.BytesHeadDecomp
	s.BytesBody += o.BytesBody
	for i := range s.Status {
		s.Status[i] += o.Status[i]
	}
	s.CRUD.Created += o.CRUD.Created
	s.CRUD.Read += o.CRUD.Read
	s.CRUD.Updated += o.CRUD.Updated
	s.CRUD.Deleted += o.CRUD.Deleted
	s.CRUD.Failed += o.CRUD.Failed
	s.CRUD.Aborted += o.CRUD.Aborted
	s.ConnectAttempts += o.ConnectAttempts
	s.ConnectFailures += o.ConnectFailures
	s.Reconnects += o.Reconnects
	s.ClientsFailed += o.ClientsFailed
}

// AccountNotIssued charges requests that were budgeted but never produced a
// result (typically because their client could not connect) as failed and
// errored. It returns the number charged.
func (s *Stats) AccountNotIssued() uint64 {
	accounted := s.ReqStatusSuccess + s.ReqFailed
	if s.ReqTodo <= accounted {
		return 0
	}
	n := s.ReqTodo - accounted
	s.ReqFailed += n
	s.ReqError += n
	return n
}

// HeaderSpaceSavings returns the fraction of header bytes saved by header
// compression.
func (s *Stats) HeaderSpaceSavings() float64 {
	if s.BytesHeadDecomp == 0 {
		return 0
	}
	return 1 - float64(s.BytesHead)/float64(s.BytesHeadDecomp)
}
