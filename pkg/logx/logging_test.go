package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

type captureSink struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSink) SendAlert(_ Level, text string) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetAlertSink(sink)

	log.Info("routine")
	log.Warn("disk full", String("server", "s1"))
	log.Warn("disk still full") // over the 1/s budget

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("alerts = %q, want 1", got)
	}
	if !strings.HasPrefix(got[0], "[WARN] disk full") || !strings.Contains(got[0], "- server=s1") {
		t.Fatalf("alert = %q", got[0])
	}

	svc.SetAlertSink(nil)
	log.Error("after clear")
	if n := len(sink.all()); n != 1 {
		t.Fatalf("alerts after clear = %d, want 1", n)
	}
}

func TestNewWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "jobs"))
	log.Debug("hidden")
	log.Info("job started", Int("retries", 2), Epoch("at", 0), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "jobs" || m["message"] != "job started" || m["retries"] != float64(2) {
		t.Fatalf("record = %v", m)
	}
	if _, ok := m["error"]; ok {
		t.Fatalf("nil error was logged: %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero = false, want true")
	}
	l.Error("ignored")
	if l.With(String("k", "v")).IsZero() {
		t.Fatalf("With on zero logger still IsZero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"trace", LevelTrace},
		{"", LevelInfo},
		{"loud", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in, LevelInfo); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatAlertPlainText(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatAlert = %q, want %q", got, "not json")
	}
	long := strings.Repeat("x", 5000)
	if got := formatAlert([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("formatAlert len = %d, want 3500 with ellipsis", len(got))
	}
}

func TestFormatAlertSortsFields(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2024-01-01T00:00:00Z","caller":"tick.go:12","message":"disk low","zone":"b","event":"backup"}`
	want := "[WARN] disk low\n- event=backup\n- zone=b"
	if got := formatAlert([]byte(line)); got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}
