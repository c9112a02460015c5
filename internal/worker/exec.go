package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

// Exec runs each job as a local child process.
type Exec struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	rep    Reporter
	procs  map[string]*proc
	closed bool
	wg     sync.WaitGroup
}

type proc struct {
	job     jobs.Job
	cmd     *exec.Cmd
	out     *countingWriter
	aborted atomic.Bool
	done    chan struct{}
}

func NewExec(cfg Config, log logx.Logger) *Exec {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exec{cfg: cfg.withDefaults(), log: log, procs: map[string]*proc{}}
}

// Bind sets the callback target. It must be called before the first Launch.
func (e *Exec) Bind(r Reporter) {
	e.mu.Lock()
	e.rep = r
	e.mu.Unlock()
}

func (e *Exec) Launch(_ context.Context, j jobs.Job) error {
	c, err := CommandOf(j)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.rep == nil {
		return errors.New("worker: no reporter bound")
	}

	out, err := e.openLog(j.ID)
	if err != nil {
		return err
	}

	// The process outlives the launch request, so no context is attached.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), jobEnv(j)...), c.Env...)
	cmd.Stderr = out
	cmd.WaitDelay = e.cfg.KillAfter

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return fmt.Errorf("start %s: %w", c.Path, err)
	}

	p := &proc{job: j, cmd: cmd, out: out, done: make(chan struct{})}
	e.procs[j.ID] = p
	e.wg.Add(1)
	go e.run(p, pr, pw, e.rep)

	e.log.Debug("job process started", logx.String("job", j.ID), logx.String("event", j.Event), logx.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *Exec) SignalAbort(jobID string) error {
	e.mu.Lock()
	p, ok := e.procs[jobID]
	killAfter := e.cfg.KillAfter
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	p.aborted.Store(true)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", jobID, err)
	}
	time.AfterFunc(killAfter, func() {
		select {
		case <-p.done:
		default:
			e.log.Warn("job ignored SIGTERM; killing", logx.String("job", jobID))
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}

// Close terminates every running process and waits for them to be reported.
func (e *Exec) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	running := make([]string, 0, len(e.procs))
	for id := range e.procs {
		running = append(running, id)
	}
	e.mu.Unlock()

	for _, id := range running {
		_ = e.SignalAbort(id)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of live processes.
func (e *Exec) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

func (e *Exec) run(p *proc, pr *io.PipeReader, pw *io.PipeWriter, rep Reporter) {
	defer e.wg.Done()
	id := p.job.ID

	var final *progressLine
	var lastDesc string
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line, ok := parseLine(sc.Bytes())
			if !ok {
				_, _ = p.out.Write(append(sc.Bytes(), '\n'))
				continue
			}
			if line.Description != "" {
				lastDesc = line.Description
			}
			if line.Complete {
				l := line
				final = &l
			}
			if u, ok := line.update(); ok {
				e.report(rep.OnWorkerUpdate(id, u), id)
			}
		}
		// Drain so the writer never blocks on a long line.
		_, _ = io.Copy(io.Discard, pr)
	}()

	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		e.sample(p, rep)
	}()

	err := p.cmd.Wait()
	_ = pw.Close()
	<-scanned
	close(p.done)
	<-sampleDone
	_ = p.out.Close()

	e.mu.Lock()
	delete(e.procs, id)
	e.mu.Unlock()

	code, desc := exitResult(err)
	if final != nil {
		if final.Code != nil {
			code = *final.Code
		}
		if final.Description != "" {
			desc = final.Description
		}
	} else if code == 0 && lastDesc != "" {
		desc = lastDesc
	}

	size := p.out.Size()
	e.report(rep.OnWorkerUpdate(id, jobs.Update{LogSize: &size}), id)

	if p.aborted.Load() {
		if err := rep.AckAbort(id); err == nil {
			return
		}
	}
	e.report(rep.CompleteJob(id, jobs.Result{Code: code, Description: desc}), id)
	e.log.Debug("job process exited", logx.String("job", id), logx.Int("code", code))
}

// sample reports process cpu, rss and output size until the process exits.
func (e *Exec) sample(p *proc, rep Reporter) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	ps, err := process.NewProcessWithContext(ctx, int32(p.cmd.Process.Pid))
	if err != nil {
		ps = nil
	}
	t := time.NewTicker(e.cfg.SampleEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		u := jobs.Update{}
		size := p.out.Size()
		u.LogSize = &size
		if ps != nil {
			if cpu, err := ps.CPUPercentWithContext(ctx); err == nil {
				u.CPU = &cpu
			}
			if mi, err := ps.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				rss := int64(mi.RSS)
				u.Mem = &rss
			}
		}
		e.report(rep.OnWorkerUpdate(p.job.ID, u), p.job.ID)
	}
}

func (e *Exec) report(err error, jobID string) {
	if err == nil {
		return
	}
	// The manager may already have finished the job (abort grace expired).
	if errors.Is(err, jobs.ErrJobNotFound) || errors.Is(err, jobs.ErrNotRunning) {
		e.log.Debug("worker report ignored", logx.String("job", jobID), logx.Err(err))
		return
	}
	e.log.Warn("worker report failed", logx.String("job", jobID), logx.Err(err))
}

func (e *Exec) openLog(jobID string) (*countingWriter, error) {
	if e.cfg.LogDir == "" {
		return &countingWriter{w: io.Discard}, nil
	}
	if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(e.cfg.LogDir, jobID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("job log: %w", err)
	}
	return &countingWriter{w: f, c: f}, nil
}

func exitResult(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), ee.Error()
	}
	return -1, err.Error()
}

// countingWriter is shared by the stderr copier and the stdout scanner.
type countingWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
	n  int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *countingWriter) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
