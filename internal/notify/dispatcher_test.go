package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	fail int
}

func (c *captureSender) Send(_ context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("temporary")
	}
	c.msgs = append(c.msgs, target+"|"+text)
	return nil
}

func (c *captureSender) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.mu.Lock()
		got := append([]string(nil), c.msgs...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startDispatcher(t *testing.T, cfg Config) (*Dispatcher, *captureSender) {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	d := New(cfg, logx.Nop(), nil)
	s := &captureSender{}
	d.Register(ChannelTelegram, s)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d, s
}

func TestNotifyFiltersByTrigger(t *testing.T) {
	t.Parallel()
	d, s := startDispatcher(t, Config{})
	j := jobs.Job{
		ID: "j1", Event: "backup", State: jobs.StateError, Code: 2, Description: "disk full",
		Actions: []catalog.Action{
			{Trigger: catalog.OnError, Type: ChannelTelegram, Target: "100", Enabled: true},
			{Trigger: catalog.OnSuccess, Type: ChannelTelegram, Target: "200", Enabled: true},
			{Trigger: catalog.OnError, Type: ChannelTelegram, Target: "300", Enabled: false},
		},
	}
	d.Notify(catalog.OnError, j)

	got := s.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	n := len(s.msgs)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
	if !strings.HasPrefix(got[0], "100|") || !strings.Contains(got[0], "failed (code 2)") || !strings.Contains(got[0], "disk full") {
		t.Fatalf("message = %q", got[0])
	}
}

func TestSendRetries(t *testing.T) {
	t.Parallel()
	d, s := startDispatcher(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	s.mu.Lock()
	s.fail = 2
	s.mu.Unlock()
	if err := d.Send(context.Background(), Message{Channel: ChannelTelegram, Target: "1", Text: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	s.waitFor(t, 1)
	if got := d.Snapshot().Sent; got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestSendDedup(t *testing.T) {
	t.Parallel()
	d, s := startDispatcher(t, Config{DedupWindow: time.Minute})
	m := Message{Channel: ChannelTelegram, Target: "1", Text: "same"}
	_ = d.Send(context.Background(), m)
	_ = d.Send(context.Background(), m)
	_ = d.Send(context.Background(), Message{Channel: ChannelTelegram, Target: "1", Text: "other"})
	s.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) != 2 {
		t.Fatalf("sent = %v, want 2 distinct", s.msgs)
	}
}

func TestSendStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil)
	if err := off.Send(context.Background(), Message{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Send = %v, want ErrDisabled", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Send(context.Background(), Message{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started Send = %v, want ErrStopped", err)
	}
}

func TestUnknownChannelCountsFailure(t *testing.T) {
	t.Parallel()
	d, _ := startDispatcher(t, Config{})
	_ = d.Send(context.Background(), Message{Channel: "pager", Text: "x"})
	deadline := time.Now().Add(3 * time.Second)
	for d.Snapshot().Failed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failure never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendAlert(t *testing.T) {
	t.Parallel()
	d, s := startDispatcher(t, Config{AlertChannel: ChannelTelegram, AlertTarget: "-42"})
	d.SendAlert(logx.LevelWarn, "[WARN] disk")
	got := s.waitFor(t, 1)
	if got[0] != "-42|[WARN] disk" {
		t.Fatalf("alert = %q", got[0])
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		chat    int64
		thread  int
		wantErr bool
	}{
		{"-1001234", -1001234, 0, false},
		{"55:7", 55, 7, false},
		{"", 0, 0, true},
		{"abc", 0, 0, true},
		{"5:x", 0, 0, true},
	}
	for _, tt := range tests {
		chat, thread, err := ParseTarget(tt.in)
		if (err != nil) != tt.wantErr || chat != tt.chat || thread != tt.thread {
			t.Fatalf("ParseTarget(%q) = %d, %d, %v; want %d, %d, err=%v", tt.in, chat, thread, err, tt.chat, tt.thread, tt.wantErr)
		}
	}
}

func TestFormatJob(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	j := jobs.Job{ID: "j9", Event: "sync", Title: "Nightly sync", Server: "s1", Started: 940, State: jobs.StateAborted, AbortReason: "too slow", Description: "ignored"}
	got := FormatJob(catalog.OnAbort, j, now)
	want := "⛔ Nightly sync aborted on s1 after 1m0s\njob: j9\ntoo slow"
	if got != want {
		t.Fatalf("FormatJob = %q, want %q", got, want)
	}
}
