package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/h2drill/internal/events"
	"github.com/bc-dunia/h2drill/internal/stats"
)

func TestParseRPS(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"10", 10, true},
		{"0.5", 0.5, true},
		{"1e6", 1e6, true},
		{"", 0, false},
		{"abc", 0, false},
		{"10req", 0, false},
		{"0", 0, false},
		{"-3", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"2e6", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRPS(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, errBadRPS)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadRPSFileUsesFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rps")
	require.NoError(t, os.WriteFile(path, []byte("  25 \nignored\n"), 0o644))

	v, err := ReadRPSFile(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)

	_, err = ReadRPSFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRPSWatcherFollowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rps")
	require.NoError(t, os.WriteFile(path, []byte("10\n"), 0o644))

	agg := stats.NewAggregator(1)
	logs := &syncBuffer{}
	w := NewRPSWatcher(path, agg, events.NewEventLoggerWithWriter("run", "main", logs, false))
	w.poll = 20 * time.Millisecond
	require.NoError(t, w.Load())
	assert.Equal(t, 10.0, agg.RPS())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("40\n"), 0o644))
	require.Eventually(t, func() bool { return agg.RPS() == 40 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "rps")

	require.NoError(t, os.WriteFile(path, []byte("oops\n"), 0o644))
	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "rps-file") && strings.Contains(out, "oops")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 40.0, agg.RPS())
}

func TestRPSWatcherLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rps")
	require.NoError(t, os.WriteFile(path, []byte("-1"), 0o644))

	agg := stats.NewAggregator(5)
	err := NewRPSWatcher(path, agg, nil).Load()
	assert.ErrorIs(t, err, errBadRPS)
	assert.Equal(t, 5.0, agg.RPS())
}
