package stats

import (
	"math"
	"sync/atomic"
)

// Aggregator is the only state shared between workers. Every field is an
// atomic; merges are relaxed, so readers see eventually consistent progress
// rather than a single ordered view across workers.
type Aggregator struct {
	// run totals
	reqSent    atomic.Uint64
	reqDone    atomic.Uint64
	reqSuccess atomic.Uint64
	minRespUs  atomic.Int64
	maxRespUs  atomic.Int64

	// progress window, reset by TakeWindow
	winSent    atomic.Uint64
	winDone    atomic.Uint64
	winSuccess atomic.Uint64
	winStatus  [StatusBuckets]atomic.Uint64
	winMinUs   atomic.Int64
	winMaxUs   atomic.Int64

	activeConns atomic.Int64
	reconnects  atomic.Uint64

	// float64 bits of the current per-client rps target
	rps atomic.Uint64
}

// NewAggregator returns an aggregator with the given initial rps target.
func NewAggregator(rps float64) *Aggregator {
	a := &Aggregator{}
	a.minRespUs.Store(math.MaxInt64)
	a.winMinUs.Store(math.MaxInt64)
	a.SetRPS(rps)
	return a
}

// RequestSent counts a request handed to a session.
func (a *Aggregator) RequestSent() {
	a.reqSent.Add(1)
	a.winSent.Add(1)
}

// RequestDone counts a closed stream and folds its response time into the
// running extremes. status is 0 for streams that closed without a response.
func (a *Aggregator) RequestDone(status int, success bool, respUs int64) {
	a.reqDone.Add(1)
	a.winDone.Add(1)
	if success {
		a.reqSuccess.Add(1)
		a.winSuccess.Add(1)
	}
	if status > 0 {
		a.winStatus[StatusBucket(status)].Add(1)
	}
	a.ObserveResponseTime(respUs)
}

// ObserveResponseTime updates the minimum and maximum response times with
// compare-and-swap so that no concurrent extreme is lost.
func (a *Aggregator) ObserveResponseTime(us int64) {
	casMin(&a.minRespUs, us)
	casMax(&a.maxRespUs, us)
	casMin(&a.winMinUs, us)
	casMax(&a.winMaxUs, us)
}

func casMin(v *atomic.Int64, x int64) {
	for {
		cur := v.Load()
		if x >= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

func casMax(v *atomic.Int64, x int64) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// MinResponseTimeUs returns the smallest response time seen, or 0 if none.
func (a *Aggregator) MinResponseTimeUs() int64 {
	v := a.minRespUs.Load()
	if v == math.MaxInt64 {
		return 0
	}
	return v
}

// MaxResponseTimeUs returns the largest response time seen.
func (a *Aggregator) MaxResponseTimeUs() int64 { return a.maxRespUs.Load() }

// SetRPS replaces the per-client rps target.
func (a *Aggregator) SetRPS(v float64) { a.rps.Store(math.Float64bits(v)) }

// RPS returns the current per-client rps target.
func (a *Aggregator) RPS() float64 { return math.Float64frombits(a.rps.Load()) }

// ConnOpened and ConnClosed track live connections across workers.
func (a *Aggregator) ConnOpened() { a.activeConns.Add(1) }

func (a *Aggregator) ConnClosed() { a.activeConns.Add(-1) }

// Reconnected counts a client reconnect.
func (a *Aggregator) Reconnected() { a.reconnects.Add(1) }

// Snapshot is a point-in-time copy of the run totals.
type Snapshot struct {
	ReqSent     uint64
	ReqDone     uint64
	ReqSuccess  uint64
	MinRespUs   int64
	MaxRespUs   int64
	ActiveConns int64
	Reconnects  uint64
	RPS         float64
}

// Snapshot returns the run totals.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		ReqSent:     a.reqSent.Load(),
		ReqDone:     a.reqDone.Load(),
		ReqSuccess:  a.reqSuccess.Load(),
		MinRespUs:   a.MinResponseTimeUs(),
		MaxRespUs:   a.MaxResponseTimeUs(),
		ActiveConns: a.activeConns.Load(),
		Reconnects:  a.reconnects.Load(),
		RPS:         a.RPS(),
	}
}

// Window holds the counters accumulated since the previous TakeWindow.
type Window struct {
	Sent      uint64
	Done      uint64
	Success   uint64
	Status    [StatusBuckets]uint64
	MinRespUs int64
	MaxRespUs int64
}

// TakeWindow returns and resets the progress window.
func (a *Aggregator) TakeWindow() Window {
	w := Window{
		Sent:      a.winSent.Swap(0),
		Done:      a.winDone.Swap(0),
		Success:   a.winSuccess.Swap(0),
		MinRespUs: a.winMinUs.Swap(math.MaxInt64),
		MaxRespUs: a.winMaxUs.Swap(0),
	}
	if w.MinRespUs == math.MaxInt64 {
		w.MinRespUs = 0
	}
	for i := range a.winStatus {
		w.Status[i] = a.winStatus[i].Swap(0)
	}
	return w
}
