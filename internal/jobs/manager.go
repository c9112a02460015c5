package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobmaster/internal/catalog"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Manager owns the active job registry.
//
// Every mutation happens under mu. Side effects (supervisor calls, notifications,
// archiving, bus events) are collected while locked and run after unlock, so a
// worker callback arriving from inside Launch cannot deadlock.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	deps   Deps
	now    func() time.Time
	closed bool

	jobs   map[string]*Job
	queues map[string][]string // category -> queued job ids, oldest first
	timers map[string]*time.Timer

	// halted holds continuous events stopped by a manual abort, keyed by event id,
	// valued by the event revision at the time of the abort.
	halted map[string]int64

	dropped uint64
	retried uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		deps:     deps,
		now:      time.Now,
		jobs:     map[string]*Job{},
		queues:   map[string][]string{},
		timers:   map[string]*time.Timer{},
		halted:   map[string]int64{},
		lastWarn: map[string]time.Time{},
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// RequestLaunch starts a job for ev, or queues it when the category is at its job limit.
//
// When no target is available the returned job is already in the error state and
// the error wraps the selector's reason.
//
// Continuous launches are refused with ErrEventHalted after a manual abort until the
// event is launched manually or its revision changes. A manual launch clears the halt.
func (m *Manager) RequestLaunch(ctx context.Context, ev catalog.Event, cat *catalog.Category, ov Override) (Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.now()
	j := &Job{
		ID:       uuid.NewString(),
		Event:    ev.ID,
		Title:    ev.Title,
		Category: ev.Category,
		Targets:  slices.Clone(ev.Targets),
		Algo:     ev.Algo,
		State:    StateQueued,
		Source:   ov.Source,
		Params:   mergeParams(ev.Params, ov.Params),
		Queued:   now.Unix(),
		Limits:   catalog.EffectiveLimits(cat, ev),
		Actions:  catalog.EffectiveActions(cat, ev),
		revision: ev.Revision,
	}
	if j.Source == "" {
		j.Source = SourceManual
	}
	if len(ov.Targets) > 0 {
		j.Targets = slices.Clone(ov.Targets)
	}
	if ov.Algo != "" {
		j.Algo = ov.Algo
	}
	j.Continuous = timing.Has(ev.Timing, timing.KindContinuous)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Job{}, ErrStopped
	}
	if rev, ok := m.halted[ev.ID]; ok {
		switch {
		case j.Source == SourceManual || rev != ev.Revision:
			delete(m.halted, ev.ID)
		case j.Source == SourceContinuous:
			m.mu.Unlock()
			return Job{}, fmt.Errorf("%w: %s", ErrEventHalted, ev.ID)
		}
	}
	if ov.Exclusive && m.activeLocked(ev.ID) > 0 {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrEventBusy, ev.ID)
	}
	var fx effects
	var launchErr error
	if m.hasRoomLocked(j) {
		launchErr = m.startLocked(ctx, j, now, &fx)
	} else {
		m.enqueueLocked(j, now, &fx)
	}
	out := *j
	m.mu.Unlock()

	fx.run()
	return out, launchErr
}

// OnWorkerUpdate merges a progress report into the job record.
func (m *Manager) OnWorkerUpdate(jobID string, u Update) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.State != StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, j.State)
	}
	if u.Progress != nil {
		j.Progress = min(max(*u.Progress, 0), 1)
	}
	if u.CPU != nil {
		j.Resources.CPU = *u.CPU
	}
	if u.Mem != nil {
		j.Resources.Mem = *u.Mem
	}
	if u.LogSize != nil {
		j.Resources.LogSize = *u.LogSize
	}
	if u.Description != "" {
		j.Description = u.Description
	}
	var breach catalog.LimitKind
	if l, ok := j.Limits.Get(catalog.LimitLog); ok && !j.Aborting && j.Resources.LogSize > l.Amount {
		breach = catalog.LimitLog
	}
	snap := *j
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.JobProgress, Time: m.now(), Data: snap})
	if breach != "" {
		return m.OnLimitBreach(jobID, breach)
	}
	return nil
}

// OnLimitBreach aborts a running job because it exceeded a resource limit.
func (m *Manager) OnLimitBreach(jobID string, kind catalog.LimitKind) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	var reason string
	if ok {
		reason = breachReason(kind, j.Limits[kind])
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return m.abort(jobID, reason, false)
}

// AbortJob requests a manual abort. It does not wait for the worker.
func (m *Manager) AbortJob(jobID, reason string) error {
	if reason == "" {
		reason = "aborted by user"
	}
	return m.abort(jobID, reason, true)
}

func (m *Manager) abort(jobID, reason string, manual bool) error {
	now := m.now()
	var fx effects

	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	switch {
	case j.State == StateQueued:
		m.removeQueuedLocked(j)
		j.AbortReason = reason
		j.manualAbort = manual
		m.finishLocked(j, StateAborted, -1, reason, now, false, &fx)
	case j.Aborting:
		// Already on its way out.
	default:
		j.Aborting = true
		j.AbortReason = reason
		j.manualAbort = manual
		grace := m.cfg.AbortGrace
		sup := m.deps.Supervisor
		id := j.ID
		m.timers[id] = time.AfterFunc(grace, func() { m.expireAbort(id) })
		fx = append(fx, func() {
			if sup == nil {
				return
			}
			if err := sup.SignalAbort(id); err != nil {
				m.log.Warn("abort signal failed; waiting for grace timeout",
					logx.String("job", id), logx.Duration("grace", grace), logx.Err(err))
			}
		})
		m.log.Info("aborting job", logx.String("job", id), logx.String("event", j.Event), logx.String("reason", reason))
	}
	m.mu.Unlock()

	fx.run()
	return nil
}

// AckAbort is the worker's confirmation that an aborting job has stopped.
func (m *Manager) AckAbort(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !j.Aborting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has no pending abort", ErrNotRunning, jobID)
	}
	var fx effects
	m.finishLocked(j, StateAborted, -1, j.AbortReason, m.now(), true, &fx)
	m.mu.Unlock()

	fx.run()
	return nil
}

func (m *Manager) expireAbort(jobID string) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || !j.Aborting {
		m.mu.Unlock()
		return
	}
	var fx effects
	m.log.Warn("abort not acknowledged; marking job aborted",
		logx.String("job", jobID), logx.Duration("grace", m.cfg.AbortGrace))
	m.finishLocked(j, StateAborted, -1, j.AbortReason, m.now(), true, &fx)
	m.mu.Unlock()

	fx.run()
}

// CompleteJob records the worker's final result. A job that was being aborted ends as aborted.
func (m *Manager) CompleteJob(jobID string, res Result) error {
	now := m.now()
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.State != StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, j.State)
	}
	var fx effects
	switch {
	case j.Aborting:
		m.finishLocked(j, StateAborted, res.Code, j.AbortReason, now, true, &fx)
	case res.Code == 0:
		m.finishLocked(j, StateCompleted, 0, res.Description, now, true, &fx)
	default:
		m.finishLocked(j, StateError, res.Code, res.Description, now, true, &fx)
	}
	m.mu.Unlock()

	fx.run()
	return nil
}

// FlushQueue deletes the queued jobs of an event without running any actions.
func (m *Manager) FlushQueue(eventID string) int {
	m.mu.Lock()
	var n int
	for _, j := range m.jobs {
		if j.Event == eventID && j.State == StateQueued {
			m.removeQueuedLocked(j)
			delete(m.jobs, j.ID)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("queue flushed", logx.String("event", eventID), logx.Int("removed", n))
	}
	return n
}

// DequeueNext promotes queued jobs of a category while it has room.
func (m *Manager) DequeueNext(category string) {
	var fx effects
	m.mu.Lock()
	m.promoteLocked(category, m.now(), &fx)
	m.mu.Unlock()
	fx.run()
}

// Get returns a copy of an active or queued job.
func (m *Manager) Get(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListActiveJobs returns matching jobs ordered by queue time, and the total before paging.
func (m *Manager) ListActiveJobs(f Filter, p Page) ([]Job, int) {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Event != "" && j.Event != f.Event {
			continue
		}
		if f.Category != "" && j.Category != f.Category {
			continue
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Server != "" && j.Server != f.Server {
			continue
		}
		out = append(out, *j)
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Queued != out[b].Queued {
			return out[a].Queued < out[b].Queued
		}
		return out[a].ID < out[b].ID
	})
	total := len(out)
	if p.Offset > 0 {
		if p.Offset >= len(out) {
			return nil, total
		}
		out = out[p.Offset:]
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, total
}

// ActiveCount counts queued and running jobs of an event.
func (m *Manager) ActiveCount(eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(eventID)
}

// Halted reports whether a manual abort stopped the continuous cycle of an event.
func (m *Manager) Halted(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.halted[eventID]
	return ok
}

// Resume clears the manual-abort halt of the given events.
func (m *Manager) Resume(eventIDs ...string) {
	m.mu.Lock()
	for _, id := range eventIDs {
		delete(m.halted, id)
	}
	m.mu.Unlock()
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{ByCat: map[string]int{}, Halted: len(m.halted), Dropped: atomic.LoadUint64(&m.dropped), Retried: atomic.LoadUint64(&m.retried)}
	for _, j := range m.jobs {
		if j.State == StateRunning {
			s.Running++
			s.ByCat[j.Category]++
		} else {
			s.Queued++
		}
	}
	return s
}

// Close stops pending timers and rejects new launches. Running jobs are left to their workers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

// --- locked helpers ---

func (m *Manager) activeLocked(eventID string) int {
	n := 0
	for _, j := range m.jobs {
		if j.Event == eventID {
			n++
		}
	}
	return n
}

func (m *Manager) runningLocked(category string) int64 {
	var n int64
	for _, j := range m.jobs {
		if j.Category == category && j.State == StateRunning {
			n++
		}
	}
	return n
}

func (m *Manager) hasRoomLocked(j *Job) bool {
	limit := j.Limits.Amount(catalog.LimitJob)
	return limit <= 0 || m.runningLocked(j.Category) < limit
}

// startLocked picks a server and hands the job to the supervisor.
func (m *Manager) startLocked(ctx context.Context, j *Job, now time.Time, fx *effects) error {
	var server string
	var err error
	if m.deps.Targets == nil {
		err = errors.New("no target chooser configured")
	} else {
		server, err = m.deps.Targets.Choose(j.Event, j.Targets, j.Algo)
	}
	if err != nil {
		m.finishLocked(j, StateError, -1, err.Error(), now, false, fx)
		return fmt.Errorf("launch %s: %w", j.Event, err)
	}

	j.Server = server
	j.State = StateRunning
	j.Started = now.Unix()
	j.RetryAt = 0
	m.jobs[j.ID] = j
	snap := *j

	sup := m.deps.Supervisor
	*fx = append(*fx, func() {
		m.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: now, Data: snap})
		m.notify(catalog.OnStart, snap)
		if sup == nil {
			_ = m.CompleteJob(snap.ID, Result{Code: -1, Description: "no worker supervisor configured"})
			return
		}
		if err := sup.Launch(ctx, snap); err != nil {
			m.log.Warn("worker launch failed", logx.String("job", snap.ID), logx.String("server", snap.Server), logx.Err(err))
			_ = m.CompleteJob(snap.ID, Result{Code: -1, Description: "launch failed: " + err.Error()})
		}
	})
	m.log.Info("job started",
		logx.String("job", j.ID), logx.String("event", j.Event), logx.String("server", server), logx.String("source", j.Source))
	return nil
}

// enqueueLocked appends j to its category queue, dropping the oldest entry when the queue limit is hit.
func (m *Manager) enqueueLocked(j *Job, now time.Time, fx *effects) {
	q := m.queues[j.Category]
	if limit := j.Limits.Amount(catalog.LimitQueue); limit > 0 {
		for int64(len(q)) >= limit {
			oldest := m.jobs[q[0]]
			q = q[1:]
			if oldest == nil {
				continue
			}
			delete(m.jobs, oldest.ID)
			atomic.AddUint64(&m.dropped, 1)
			snap := *oldest
			*fx = append(*fx, func() {
				m.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, Time: now, Data: snap})
				m.notify(catalog.OnWarning, snap)
			})
			m.warnThrottled("drop:"+j.Category, "queue full; dropped oldest queued job",
				logx.String("category", j.Category),
				logx.String("dropped_job", snap.ID),
				logx.String("dropped_event", snap.Event),
				logx.Int64("queue_limit", limit),
			)
		}
	}
	j.State = StateQueued
	m.jobs[j.ID] = j
	m.queues[j.Category] = append(q, j.ID)
	snap := *j
	*fx = append(*fx, func() {
		m.bus.Publish(eventbus.Event{Type: eventbus.JobQueued, Time: now, Data: snap})
	})
	m.log.Debug("job queued", logx.String("job", j.ID), logx.String("event", j.Event), logx.String("category", j.Category))
}

func (m *Manager) removeQueuedLocked(j *Job) {
	q := m.queues[j.Category]
	if i := slices.Index(q, j.ID); i >= 0 {
		q = slices.Delete(q, i, i+1)
	}
	if len(q) == 0 {
		delete(m.queues, j.Category)
	} else {
		m.queues[j.Category] = q
	}
}

// promoteLocked starts queued jobs in FIFO order while the category has room.
// Retry attempts still waiting for their delay are skipped, not blocking.
func (m *Manager) promoteLocked(category string, now time.Time, fx *effects) {
	for _, id := range slices.Clone(m.queues[category]) {
		j := m.jobs[id]
		if j == nil {
			m.removeQueuedLocked(&Job{ID: id, Category: category})
			continue
		}
		if j.RetryAt > now.Unix() {
			continue
		}
		if !m.hasRoomLocked(j) {
			return
		}
		m.removeQueuedLocked(j)
		_ = m.startLocked(context.Background(), j, now, fx)
	}
}

// finishLocked moves j to a terminal state. freed reports whether j held a running slot.
func (m *Manager) finishLocked(j *Job, st State, code int, desc string, now time.Time, freed bool, fx *effects) {
	if t := m.timers[j.ID]; t != nil {
		t.Stop()
		delete(m.timers, j.ID)
	}
	wasRunning := j.Started > 0
	j.State = st
	j.Code = code
	j.Aborting = false
	j.Completed = now.Unix()
	if desc != "" {
		j.Description = desc
	}
	if st == StateCompleted {
		j.Progress = 1
	}
	delete(m.jobs, j.ID)
	snap := *j

	topic := eventbus.JobCompleted
	trigger := catalog.OnSuccess
	switch st {
	case StateError:
		topic, trigger = eventbus.JobError, catalog.OnError
	case StateAborted:
		topic, trigger = eventbus.JobAborted, catalog.OnAbort
	}
	archiver := m.deps.Archiver
	timeout := m.cfg.ArchiveTimeout
	*fx = append(*fx, func() {
		m.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: snap})
		m.notify(trigger, snap)
		m.notify(catalog.OnComplete, snap)
		if archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := archiver.ArchiveJob(ctx, snap); err != nil {
				m.log.Warn("job archive failed", logx.String("job", snap.ID), logx.Err(err))
			}
		}
	})
	lvl := m.log.Info
	if st != StateCompleted {
		lvl = m.log.Warn
	}
	lvl("job finished",
		logx.String("job", j.ID),
		logx.String("event", j.Event),
		logx.String("state", string(st)),
		logx.Int("code", code),
		logx.String("description", j.Description),
	)

	retrying := st == StateError && wasRunning && m.retryLocked(snap, now, fx)
	if snap.Continuous && snap.manualAbort {
		m.halted[snap.Event] = snap.revision
		m.log.Info("continuous event halted", logx.String("event", snap.Event), logx.String("job", snap.ID))
	}
	if snap.Continuous && wasRunning && !retrying && !snap.manualAbort && m.deps.Relaunch != nil {
		relaunch := m.deps.Relaunch
		ev := snap.Event
		*fx = append(*fx, func() { relaunch(ev) })
	}
	if freed {
		m.promoteLocked(j.Category, now, fx)
	}
}

// retryLocked queues a new attempt when the retry limit allows one.
func (m *Manager) retryLocked(failed Job, now time.Time, fx *effects) bool {
	l, ok := failed.Limits.Get(catalog.LimitRetry)
	if !ok || int64(failed.Retries) >= l.Amount {
		return false
	}
	next := &Job{
		ID:         uuid.NewString(),
		Event:      failed.Event,
		Title:      failed.Title,
		Category:   failed.Category,
		Targets:    failed.Targets,
		Algo:       failed.Algo,
		State:      StateQueued,
		Source:     SourceRetry,
		Params:     failed.Params,
		Queued:     now.Unix(),
		Retries:    failed.Retries + 1,
		Continuous: failed.Continuous,
		Limits:     failed.Limits,
		Actions:    failed.Actions,
	}
	if l.Duration > 0 {
		next.RetryAt = now.Unix() + l.Duration
	}
	m.jobs[next.ID] = next
	m.queues[next.Category] = append(m.queues[next.Category], next.ID)
	atomic.AddUint64(&m.retried, 1)

	snap := *next
	category := next.Category
	delay := time.Duration(l.Duration) * time.Second
	*fx = append(*fx, func() {
		m.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: now, Data: snap})
	})
	if delay > 0 {
		m.timers[next.ID] = time.AfterFunc(delay, func() { m.retryDue(next.ID, category) })
	}
	m.log.Info("job retry scheduled",
		logx.String("job", next.ID),
		logx.String("failed_job", failed.ID),
		logx.String("event", failed.Event),
		logx.Int("attempt", next.Retries),
		logx.Duration("delay", delay),
	)
	return true
}

func (m *Manager) retryDue(jobID, category string) {
	m.mu.Lock()
	delete(m.timers, jobID)
	m.mu.Unlock()
	m.DequeueNext(category)
}

func (m *Manager) notify(trigger string, j Job) {
	if m.deps.Notifier == nil || len(j.Actions) == 0 {
		return
	}
	m.deps.Notifier.Notify(trigger, j)
}

func (m *Manager) warnThrottled(key, msg string, fields ...logx.Field) {
	now := m.now()
	m.warnMu.Lock()
	last := m.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottleEvery {
		m.warnMu.Unlock()
		return
	}
	m.lastWarn[key] = now
	m.warnMu.Unlock()
	m.log.Warn(msg, fields...)
}

func mergeParams(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, over)
	return out
}

func breachReason(kind catalog.LimitKind, l catalog.Limit) string {
	switch kind {
	case catalog.LimitTime:
		return fmt.Sprintf("exceeded maximum run time (%s)", time.Duration(l.Duration)*time.Second)
	case catalog.LimitCPU:
		return fmt.Sprintf("exceeded cpu limit (%d%% for %ds)", l.Amount, l.Duration)
	case catalog.LimitMem:
		return fmt.Sprintf("exceeded memory limit (%d bytes for %ds)", l.Amount, l.Duration)
	case catalog.LimitLog:
		return fmt.Sprintf("exceeded log size limit (%d bytes)", l.Amount)
	}
	return fmt.Sprintf("exceeded %s limit", kind)
}
