package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bc-dunia/h2drill/internal/events"
	"github.com/bc-dunia/h2drill/internal/stats"
)

// rpsPollInterval is how often the rps file is re-read regardless of file
// system notifications.
const rpsPollInterval = time.Second

var errBadRPS = errors.New("invalid rps value")

// RPSWatcher applies the request rate written in a file to the shared
// aggregator. Every client picks the new value up at its next rps tick.
type RPSWatcher struct {
	path   string
	agg    *stats.Aggregator
	events *events.EventLogger
	poll   time.Duration
}

// NewRPSWatcher watches path.
func NewRPSWatcher(path string, agg *stats.Aggregator, ev *events.EventLogger) *RPSWatcher {
	if ev == nil {
		ev = events.NoopEventLogger()
	}
	return &RPSWatcher{path: path, agg: agg, events: ev, poll: rpsPollInterval}
}

// Load reads the file once and applies its value.
func (w *RPSWatcher) Load() error {
	v, err := ReadRPSFile(w.path)
	if err != nil {
		return err
	}
	w.apply(v)
	return nil
}

// Run re-reads the file on every write notification and once per poll
// interval until ctx is done. Unreadable or invalid contents are skipped
// with a warning.
func (w *RPSWatcher) Run(ctx context.Context) error {
	var notify <-chan fsnotify.Event
	var notifyErr <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.events.LogConfigWarning("rps-file", "file notifications unavailable, polling only: "+err.Error())
	} else {
		defer fw.Close()
		// editors replace files, so watch the directory
		if err := fw.Add(filepath.Dir(w.path)); err != nil {
			w.events.LogConfigWarning("rps-file", "cannot watch directory, polling only: "+err.Error())
		} else {
			notify, notifyErr = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-notifyErr:
			if !ok {
				notifyErr = nil
				continue
			}
			w.events.LogConfigWarning("rps-file", err.Error())
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *RPSWatcher) reload() {
	v, err := ReadRPSFile(w.path)
	if err != nil {
		w.events.LogConfigWarning("rps-file", err.Error()+", skipped")
		return
	}
	w.apply(v)
}

func (w *RPSWatcher) apply(v float64) {
	old := w.agg.RPS()
	if v == old {
		return
	}
	w.agg.SetRPS(v)
	w.events.LogRPSUpdated(old, v, w.path)
}

// ReadRPSFile parses the first line of path as a positive, finite rate.
func ReadRPSFile(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("read rps file: %w", err)
	}
	defer f.Close()

	line := ""
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		line = sc.Text()
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read rps file: %w", err)
	}
	return ParseRPS(strings.TrimSpace(line))
}

// ParseRPS validates a rate the way --rps does.
func ParseRPS(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || 1/v < 1e-6 {
		return 0, fmt.Errorf("%w: %q", errBadRPS, s)
	}
	return v, nil
}
