package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bc-dunia/h2drill/internal/stats"
)

// totalsEvery is how many progress lines pass between two totals lines.
const totalsEvery = 30

// Progress prints a one-line digest of the last interval, and every thirty
// lines the totals so far.
type Progress struct {
	agg      *stats.Aggregator
	out      io.Writer
	interval time.Duration
	now      func() time.Time

	lines int
}

// NewProgress reports agg to out every interval.
func NewProgress(agg *stats.Aggregator, out io.Writer, interval time.Duration) *Progress {
	return &Progress{agg: agg, out: out, interval: interval, now: time.Now}
}

// Run prints until ctx is done.
func (p *Progress) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick prints the line for the interval that just ended.
func (p *Progress) Tick() {
	w := p.agg.TakeWindow()
	stamp := p.now().Format(time.ANSIC)
	fmt.Fprintf(p.out, "%s, send: %d, successful: %d, 3xx: %d, 4xx: %d, 5xx: %d, max resp time (us): %d, min resp time (us): %d, successful/send: %.2f%%\n",
		stamp, w.Done, w.Success, w.Status[3], w.Status[4], w.Status[5], w.MaxRespUs, w.MinRespUs, percent(w.Success, w.Done))

	p.lines++
	if p.lines < totalsEvery {
		return
	}
	p.lines = 0
	s := p.agg.Snapshot()
	fmt.Fprintf(p.out, "%s, total requests sent: %d, total done: %d, total successful responses: %d, overall successful rate: %.2f%%\n",
		stamp, s.ReqSent, s.ReqDone, s.ReqSuccess, percent(s.ReqSuccess, s.ReqDone))
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
