package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGetGlobalEventLoggerReturnsSingletonNoopWhenUnset(t *testing.T) {
	SetGlobalEventLogger(nil)

	a := GetGlobalEventLogger()
	b := GetGlobalEventLogger()

	if a == nil || b == nil {
		t.Fatal("expected non-nil noop logger")
	}
	if a != b {
		t.Fatal("expected singleton noop logger instance")
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestEventsCarryBaseAttributes(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("run-1", "main", &buf, false)
	el.ForWorker("3").LogPhaseTransition("WARM_UP", "MAIN_DURATION")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	got := lines[0]
	if got["msg"] != "phase_transition" || got["run_id"] != "run-1" || got["worker_id"] != "3" {
		t.Fatalf("unexpected event: %v", got)
	}
	if got["to_phase"] != "MAIN_DURATION" {
		t.Fatalf("unexpected to_phase: %v", got["to_phase"])
	}
}

func TestFailureEventsAreThrottled(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("run", "0", &buf, false)

	const attempts = 200
	for i := 0; i < attempts; i++ {
		el.LogClientFailed(uint64(i), "ConnectFailure", errors.New("refused"))
	}

	logged := len(decodeLines(t, &buf))
	if logged < failureEventBurst || logged >= attempts {
		t.Fatalf("expected throttling to keep about %d events, got %d", failureEventBurst, logged)
	}
	if got := el.Suppressed(); got != uint64(attempts-logged) {
		t.Fatalf("suppressed = %d, want %d", got, attempts-logged)
	}
}

func TestDebugEventsNeedVerbose(t *testing.T) {
	var quiet, verbose bytes.Buffer
	NewEventLoggerWithWriter("r", "0", &quiet, false).LogClientConnected(1, "127.0.0.1:80", "h2", time.Millisecond)
	NewEventLoggerWithWriter("r", "0", &verbose, true).LogClientConnected(1, "127.0.0.1:80", "h2", time.Millisecond)

	if quiet.Len() != 0 {
		t.Fatalf("debug event logged without verbose: %s", quiet.String())
	}
	if len(decodeLines(t, &verbose)) != 1 {
		t.Fatal("expected the debug event with verbose")
	}
}
