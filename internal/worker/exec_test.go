package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

type fakeReporter struct {
	mu       sync.Mutex
	updates  []jobs.Update
	result   *jobs.Result
	acked    bool
	finished chan struct{}
}

func newFakeReporter() *fakeReporter { return &fakeReporter{finished: make(chan struct{})} }

func (f *fakeReporter) OnWorkerUpdate(_ string, u jobs.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeReporter) CompleteJob(_ string, res jobs.Result) error {
	f.mu.Lock()
	f.result = &res
	f.mu.Unlock()
	close(f.finished)
	return nil
}

func (f *fakeReporter) AckAbort(string) error {
	f.mu.Lock()
	f.acked = true
	f.mu.Unlock()
	close(f.finished)
	return nil
}

func (f *fakeReporter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.finished:
	case <-time.After(10 * time.Second):
		t.Fatal("job never finished")
	}
}

func shJob(t *testing.T, id, script string) jobs.Job {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return jobs.Job{ID: id, Event: "ev", Params: map[string]any{"command": sh, "args": []any{"-c", script}}}
}

func TestExecReportsResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		script   string
		wantCode int
		wantDesc string
	}{
		{"success", `echo '{"progress":0.5,"description":"half"}'; echo '{"description":"done"}'`, 0, "done"},
		{"exit code", `exit 3`, 3, "exit status 3"},
		{"explicit completion", `echo '{"complete":true,"code":2,"description":"partial"}'`, 2, "partial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rep := newFakeReporter()
			d := NewExec(Config{}, logx.Nop())
			d.Bind(rep)
			if err := d.Launch(context.Background(), shJob(t, "j-"+strings.ReplaceAll(tt.name, " ", "-"), tt.script)); err != nil {
				t.Fatalf("Launch error: %v", err)
			}
			rep.wait(t)
			rep.mu.Lock()
			defer rep.mu.Unlock()
			if rep.result.Code != tt.wantCode || rep.result.Description != tt.wantDesc {
				t.Fatalf("result = %+v, want code %d desc %q", *rep.result, tt.wantCode, tt.wantDesc)
			}
		})
	}
}

func TestExecProgressUpdate(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	d := NewExec(Config{}, logx.Nop())
	d.Bind(rep)
	if err := d.Launch(context.Background(), shJob(t, "p1", `echo '{"progress":0.25}'`)); err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	rep.wait(t)
	rep.mu.Lock()
	defer rep.mu.Unlock()
	var got *float64
	for _, u := range rep.updates {
		if u.Progress != nil {
			got = u.Progress
		}
	}
	if got == nil || *got != 0.25 {
		t.Fatalf("progress = %v, want 0.25", got)
	}
}

func TestExecWritesJobLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rep := newFakeReporter()
	d := NewExec(Config{LogDir: dir}, logx.Nop())
	d.Bind(rep)
	if err := d.Launch(context.Background(), shJob(t, "log1", `echo hello; echo oops 1>&2`)); err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	rep.wait(t)

	b, err := os.ReadFile(filepath.Join(dir, "log1.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "hello") || !strings.Contains(string(b), "oops") {
		t.Fatalf("log = %q, want stdout and stderr", b)
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	var size int64
	for _, u := range rep.updates {
		if u.LogSize != nil {
			size = *u.LogSize
		}
	}
	if size != int64(len(b)) {
		t.Fatalf("reported log size = %d, want %d", size, len(b))
	}
}

func TestExecAbortAcknowledged(t *testing.T) {
	t.Parallel()
	rep := newFakeReporter()
	d := NewExec(Config{KillAfter: 5 * time.Second}, logx.Nop())
	d.Bind(rep)
	if err := d.Launch(context.Background(), shJob(t, "a1", `exec sleep 30`)); err != nil {
		t.Fatalf("Launch error: %v", err)
	}
	if err := d.SignalAbort("a1"); err != nil {
		t.Fatalf("SignalAbort error: %v", err)
	}
	rep.wait(t)
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if !rep.acked || rep.result != nil {
		t.Fatalf("acked = %v result = %v, want ack only", rep.acked, rep.result)
	}
	if err := d.SignalAbort("a1"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second SignalAbort = %v, want ErrUnknownJob", err)
	}
}

func TestCommandOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		params  map[string]any
		want    []string
		wantErr bool
	}{
		{"plain", map[string]any{"command": "/bin/echo", "args": []any{"a", "b"}}, []string{"a", "b"}, false},
		{"no args", map[string]any{"command": "/bin/true"}, nil, false},
		{"missing", map[string]any{}, nil, true},
		{"bad arg", map[string]any{"command": "x", "args": []any{1}}, nil, true},
	}
	for _, tt := range tests {
		c, err := CommandOf(jobs.Job{Event: "ev", Params: tt.params})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err == nil && strings.Join(c.Args, ",") != strings.Join(tt.want, ",") {
			t.Fatalf("%s: args = %v, want %v", tt.name, c.Args, tt.want)
		}
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in string
		ok bool
	}{
		{`{"progress":0.1}`, true},
		{`  {"complete":true}  `, true},
		{`{"other":1}`, false},
		{`plain text`, false},
		{`{broken`, false},
	}
	for _, tt := range tests {
		if _, ok := parseLine([]byte(tt.in)); ok != tt.ok {
			t.Fatalf("parseLine(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}
