//go:build linux

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"
)

const unitPoll = time.Second

// Systemd runs each job as a transient service unit. Units keep their exit status
// (RemainAfterExit) until the watcher has read it, then they are stopped and reset.
type Systemd struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	rep    Reporter
	conn   *dbus.Conn
	units  map[string]*unit
	closed bool
	wg     sync.WaitGroup
}

type unit struct {
	job     jobs.Job
	name    string
	aborted atomic.Bool
	done    chan struct{}
}

// NewSystemd connects to the system bus using ctx for the initial connection.
func NewSystemd(ctx context.Context, cfg Config, log logx.Logger) (*Systemd, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Systemd{cfg: cfg.withDefaults(), log: log, conn: conn, units: map[string]*unit{}}, nil
}

func (s *Systemd) Bind(r Reporter) {
	s.mu.Lock()
	s.rep = r
	s.mu.Unlock()
}

func (s *Systemd) unitName(jobID string) string {
	return s.cfg.UnitPrefix + strings.ReplaceAll(jobID, "-", "") + ".service"
}

func (s *Systemd) Launch(ctx context.Context, j jobs.Job) error {
	c, err := CommandOf(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	rep := s.rep
	s.mu.Unlock()
	if rep == nil {
		return errors.New("worker: no reporter bound")
	}

	name := s.unitName(j.ID)
	props := []dbus.Property{
		dbus.PropDescription(fmt.Sprintf("jobmaster %s (%s)", j.Event, j.ID)),
		dbus.PropExecStart(append([]string{c.Path}, c.Args...), false),
		dbus.PropRemainAfterExit(true),
		{Name: "Environment", Value: godbus.MakeVariant(append(jobEnv(j), c.Env...))},
		{Name: "CPUAccounting", Value: godbus.MakeVariant(true)},
		{Name: "MemoryAccounting", Value: godbus.MakeVariant(true)},
	}
	if c.Dir != "" {
		props = append(props, dbus.Property{Name: "WorkingDirectory", Value: godbus.MakeVariant(c.Dir)})
	}

	ch := make(chan string, 1)
	if _, err := s.conn.StartTransientUnitContext(ctx, name, "fail", props, ch); err != nil {
		return fmt.Errorf("start unit %s: %w", name, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("start unit %s: job %s", name, res)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	u := &unit{job: j, name: name, done: make(chan struct{})}
	s.mu.Lock()
	s.units[j.ID] = u
	s.mu.Unlock()
	s.wg.Add(1)
	go s.watch(u, rep)

	s.log.Debug("job unit started", logx.String("job", j.ID), logx.String("unit", name))
	return nil
}

func (s *Systemd) SignalAbort(jobID string) error {
	s.mu.Lock()
	u, ok := s.units[jobID]
	killAfter := s.cfg.KillAfter
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	u.aborted.Store(true)
	s.conn.KillUnitContext(context.Background(), u.name, int32(syscall.SIGTERM))
	time.AfterFunc(killAfter, func() {
		select {
		case <-u.done:
		default:
			s.log.Warn("job unit ignored SIGTERM; stopping", logx.String("job", jobID), logx.String("unit", u.name))
			s.conn.KillUnitContext(context.Background(), u.name, int32(syscall.SIGKILL))
		}
	})
	return nil
}

func (s *Systemd) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.SignalAbort(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.conn.Close()
	return err
}

func (s *Systemd) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// watch polls the unit until its main process exited, sampling cpu and memory on the way.
func (s *Systemd) watch(u *unit, rep Reporter) {
	defer s.wg.Done()
	ctx := context.Background()
	id := u.job.ID

	var lastCPU uint64
	var lastAt time.Time
	sampleEvery := s.cfg.SampleEvery
	var lastSample time.Time

	t := time.NewTicker(unitPoll)
	defer t.Stop()
	for range t.C {
		props, err := s.conn.GetUnitPropertiesContext(ctx, u.name)
		if err != nil {
			s.log.Warn("unit status failed", logx.String("unit", u.name), logx.Err(err))
			continue
		}
		active, _ := props["ActiveState"].(string)
		sub, _ := props["SubState"].(string)
		if active == "failed" || sub == "exited" || sub == "dead" {
			break
		}
		if time.Since(lastSample) < sampleEvery {
			continue
		}
		lastSample = time.Now()
		var upd jobs.Update
		if v, ok := s.serviceUint(ctx, u.name, "MemoryCurrent"); ok {
			mem := int64(v)
			upd.Mem = &mem
		}
		if v, ok := s.serviceUint(ctx, u.name, "CPUUsageNSec"); ok {
			now := time.Now()
			if !lastAt.IsZero() && v >= lastCPU {
				pct := float64(v-lastCPU) / float64(now.Sub(lastAt).Nanoseconds()) * 100
				upd.CPU = &pct
			}
			lastCPU, lastAt = v, now
		}
		if upd.Mem != nil || upd.CPU != nil {
			s.report(rep.OnWorkerUpdate(id, upd), id)
		}
	}
	close(u.done)

	code := -1
	if p, err := s.conn.GetServicePropertyContext(ctx, u.name, "ExecMainStatus"); err == nil {
		if v, ok := p.Value.Value().(int32); ok {
			code = int(v)
		}
	}
	if _, err := s.conn.StopUnitContext(ctx, u.name, "replace", nil); err != nil {
		s.log.Debug("unit stop failed", logx.String("unit", u.name), logx.Err(err))
	}
	_ = s.conn.ResetFailedUnitContext(ctx, u.name)

	s.mu.Lock()
	delete(s.units, id)
	s.mu.Unlock()

	if u.aborted.Load() {
		if err := rep.AckAbort(id); err == nil {
			return
		}
	}
	desc := ""
	if code != 0 {
		desc = fmt.Sprintf("unit %s exited with status %d", u.name, code)
	}
	s.report(rep.CompleteJob(id, jobs.Result{Code: code, Description: desc}), id)
}

func (s *Systemd) serviceUint(ctx context.Context, name, prop string) (uint64, bool) {
	p, err := s.conn.GetServicePropertyContext(ctx, name, prop)
	if err != nil {
		return 0, false
	}
	v, ok := p.Value.Value().(uint64)
	// systemd reports "not available" as the max value.
	if !ok || v == ^uint64(0) {
		return 0, false
	}
	return v, true
}

func (s *Systemd) report(err error, jobID string) {
	if err == nil {
		return
	}
	if errors.Is(err, jobs.ErrJobNotFound) || errors.Is(err, jobs.ErrNotRunning) {
		s.log.Debug("worker report ignored", logx.String("job", jobID), logx.Err(err))
		return
	}
	s.log.Warn("worker report failed", logx.String("job", jobID), logx.Err(err))
}
