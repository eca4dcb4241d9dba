package loop

import "time"

// Timer is a one-shot or periodic task scheduled on a Loop. All methods must
// be called from the loop goroutine. Once Stop returns, the callback will not
// run again, even if its firing was already queued.
type Timer struct {
	l      *Loop
	fn     func()
	period time.Duration
	t      *time.Timer
	seq    uint64
	active bool
}

// AfterFunc runs fn on the loop once, after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{l: l, fn: fn}
	t.Reset(d)
	return t
}

// Every runs fn on the loop every period. The first run happens after one
// period.
func (l *Loop) Every(period time.Duration, fn func()) *Timer {
	t := &Timer{l: l, fn: fn, period: period}
	t.Reset(period)
	return t
}

// Reset (re)arms the timer to fire after d, discarding any pending firing.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}
	t.seq++
	seq := t.seq
	if t.t != nil {
		t.t.Stop()
	}
	t.active = true
	t.t = time.AfterFunc(d, func() {
		t.l.Post(func() { t.fire(seq) })
	})
}

// SetPeriod changes the interval of a periodic timer and re-arms it.
func (t *Timer) SetPeriod(period time.Duration) {
	if t == nil || t.period == period {
		return
	}
	t.period = period
	if t.active {
		t.Reset(period)
	}
}

// Period returns the interval of a periodic timer, zero for one-shot timers.
func (t *Timer) Period() time.Duration {
	if t == nil {
		return 0
	}
	return t.period
}

func (t *Timer) fire(seq uint64) {
	if !t.active || seq != t.seq {
		return
	}
	if t.period > 0 {
		t.Reset(t.period)
	} else {
		t.active = false
	}
	t.fn()
}

// Stop cancels the timer. It is safe on a nil or already stopped timer.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.active = false
	t.seq++
	if t.t != nil {
		t.t.Stop()
	}
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t != nil && t.active
}
