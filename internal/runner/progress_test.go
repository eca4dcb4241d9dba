package runner

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/h2drill/internal/stats"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var fixedNow = time.Date(2024, time.March, 5, 14, 2, 3, 0, time.UTC)

func TestProgressTick(t *testing.T) {
	agg := stats.NewAggregator(0)
	for i := 0; i < 4; i++ {
		agg.RequestSent()
	}
	agg.RequestDone(200, true, 1500)
	agg.RequestDone(204, true, 900)
	agg.RequestDone(302, true, 2000)
	agg.RequestDone(503, false, 4000)

	var out bytes.Buffer
	p := NewProgress(agg, &out, time.Second)
	p.now = func() time.Time { return fixedNow }
	p.Tick()

	assert.Equal(t, "Tue Mar  5 14:02:03 2024, send: 4, successful: 3, 3xx: 1, 4xx: 0, 5xx: 1, "+
		"max resp time (us): 4000, min resp time (us): 900, successful/send: 75.00%\n", out.String())

	out.Reset()
	p.Tick()
	assert.Equal(t, "Tue Mar  5 14:02:03 2024, send: 0, successful: 0, 3xx: 0, 4xx: 0, 5xx: 0, "+
		"max resp time (us): 0, min resp time (us): 0, successful/send: 0.00%\n", out.String())
}

func TestProgressTotalsLine(t *testing.T) {
	agg := stats.NewAggregator(0)
	agg.RequestSent()
	agg.RequestSent()
	agg.RequestDone(200, true, 100)
	agg.RequestDone(500, false, 100)

	var out bytes.Buffer
	p := NewProgress(agg, &out, time.Second)
	p.now = func() time.Time { return fixedNow }
	for i := 0; i < totalsEvery; i++ {
		p.Tick()
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, totalsEvery+1)
	assert.Equal(t, "Tue Mar  5 14:02:03 2024, total requests sent: 2, total done: 2, "+
		"total successful responses: 1, overall successful rate: 50.00%", lines[totalsEvery])
}

func TestProgressRunStopsWithContext(t *testing.T) {
	agg := stats.NewAggregator(0)
	out := &syncBuffer{}
	p := NewProgress(agg, out, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "send: 0") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("progress did not stop")
	}
}
