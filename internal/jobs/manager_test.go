package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/targets"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	launched []Job
	aborts   []string
}

func (f *fakeSupervisor) Launch(_ context.Context, j Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, j)
	return nil
}

func (f *fakeSupervisor) SignalAbort(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, id)
	return nil
}

func (f *fakeSupervisor) launches() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Job(nil), f.launched...)
}

type recorder struct {
	mu       sync.Mutex
	triggers []string
	archived []Job
	relaunch []string
}

func (r *recorder) Notify(trigger string, j Job) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
}

func (r *recorder) ArchiveJob(_ context.Context, j Job) error {
	r.mu.Lock()
	r.archived = append(r.archived, j)
	r.mu.Unlock()
	return nil
}

func (r *recorder) archivedJobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.archived...)
}

func newTestManager(t *testing.T, cfg Config, choose ChooserFunc) (*Manager, *fakeSupervisor, *recorder) {
	t.Helper()
	sup := &fakeSupervisor{}
	rec := &recorder{}
	if choose == nil {
		choose = func(string, []string, string) (string, error) { return "s1", nil }
	}
	m := New(cfg, logx.Nop(), nil, Deps{
		Supervisor: sup,
		Targets:    choose,
		Notifier:   rec,
		Archiver:   rec,
		Relaunch: func(ev string) {
			rec.mu.Lock()
			rec.relaunch = append(rec.relaunch, ev)
			rec.mu.Unlock()
		},
	})
	t.Cleanup(m.Close)
	return m, sup, rec
}

func category(limits ...catalog.Limit) *catalog.Category {
	return &catalog.Category{ID: "general", Enabled: true, Limits: limits}
}

func event(id string) catalog.Event {
	return catalog.Event{ID: id, Enabled: true, Category: "general", Targets: []string{"s1"}}
}

func TestConcurrencyCapQueuesThirdJob(t *testing.T) {
	t.Parallel()
	m, sup, _ := newTestManager(t, Config{}, nil)
	cat := category(catalog.Limit{Type: catalog.LimitJob, Amount: 2})

	var js []Job
	for i := 0; i < 3; i++ {
		j, err := m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
		if err != nil {
			t.Fatalf("RequestLaunch %d error: %v", i, err)
		}
		js = append(js, j)
	}
	if js[0].State != StateRunning || js[1].State != StateRunning {
		t.Fatalf("first two states = %s, %s, want running", js[0].State, js[1].State)
	}
	if js[2].State != StateQueued {
		t.Fatalf("third state = %s, want queued", js[2].State)
	}
	if got := len(sup.launches()); got != 2 {
		t.Fatalf("launches = %d, want 2", got)
	}

	// Completing a running job promotes the queued one.
	if err := m.CompleteJob(js[0].ID, Result{}); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	got, ok := m.Get(js[2].ID)
	if !ok || got.State != StateRunning {
		t.Fatalf("queued job after completion = %+v, %v, want running", got.State, ok)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{}, nil)
	cat := category(
		catalog.Limit{Type: catalog.LimitJob, Amount: 1},
		catalog.Limit{Type: catalog.LimitQueue, Amount: 2},
	)
	var ids []string
	for i := 0; i < 4; i++ {
		j, err := m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
		if err != nil {
			t.Fatalf("RequestLaunch error: %v", err)
		}
		ids = append(ids, j.ID)
	}
	if _, ok := m.Get(ids[1]); ok {
		t.Fatal("oldest queued job should have been dropped")
	}
	queued, total := m.ListActiveJobs(Filter{State: StateQueued}, Page{})
	if total != 2 {
		t.Fatalf("queued total = %d, want 2", total)
	}
	for _, j := range queued {
		if j.ID != ids[2] && j.ID != ids[3] {
			t.Fatalf("unexpected queued job %s", j.ID)
		}
	}
	if got := m.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestNoTargetAvailableSkipsSupervisor(t *testing.T) {
	t.Parallel()
	m, sup, rec := newTestManager(t, Config{}, func(string, []string, string) (string, error) {
		return "", targets.ErrNoTargetAvailable
	})
	cat := category(catalog.Limit{Type: catalog.LimitRetry, Amount: 3})

	j, err := m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
	if !errors.Is(err, targets.ErrNoTargetAvailable) {
		t.Fatalf("err = %v, want ErrNoTargetAvailable", err)
	}
	if j.State != StateError {
		t.Fatalf("state = %s, want error", j.State)
	}
	if got := len(sup.launches()); got != 0 {
		t.Fatalf("supervisor launches = %d, want 0", got)
	}
	if got := m.ActiveCount("ev"); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0 (no retry for unlaunched jobs)", got)
	}
	if got := len(rec.archivedJobs()); got != 1 {
		t.Fatalf("archived = %d, want 1", got)
	}
}

func TestAbortWithoutAckTimesOut(t *testing.T) {
	t.Parallel()
	m, sup, rec := newTestManager(t, Config{AbortGrace: 20 * time.Millisecond}, nil)
	j, err := m.RequestLaunch(context.Background(), event("ev"), category(), Override{})
	if err != nil {
		t.Fatalf("RequestLaunch error: %v", err)
	}
	if err := m.AbortJob(j.ID, ""); err != nil {
		t.Fatalf("AbortJob error: %v", err)
	}
	got, ok := m.Get(j.ID)
	if !ok || !got.Aborting || got.State != StateRunning {
		t.Fatalf("after abort request = %+v, want running+aborting", got)
	}
	sup.mu.Lock()
	signalled := len(sup.aborts)
	sup.mu.Unlock()
	if signalled != 1 {
		t.Fatalf("abort signals = %d, want 1", signalled)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Get(j.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job not aborted after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
	arch := rec.archivedJobs()
	if len(arch) != 1 || arch[0].State != StateAborted {
		t.Fatalf("archived = %+v, want one aborted job", arch)
	}
}

func TestAckAbortFinishesImmediately(t *testing.T) {
	t.Parallel()
	m, _, rec := newTestManager(t, Config{AbortGrace: time.Hour}, nil)
	j, _ := m.RequestLaunch(context.Background(), event("ev"), category(), Override{})
	if err := m.AckAbort(j.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("AckAbort without abort err = %v, want ErrNotRunning", err)
	}
	_ = m.AbortJob(j.ID, "stop")
	if err := m.AckAbort(j.ID); err != nil {
		t.Fatalf("AckAbort error: %v", err)
	}
	arch := rec.archivedJobs()
	if len(arch) != 1 || arch[0].State != StateAborted || arch[0].Description != "stop" {
		t.Fatalf("archived = %+v", arch)
	}
	// A late completion report is rejected.
	if err := m.CompleteJob(j.ID, Result{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("late CompleteJob err = %v, want ErrJobNotFound", err)
	}
}

func TestRetryOnError(t *testing.T) {
	t.Parallel()
	m, sup, _ := newTestManager(t, Config{}, nil)
	cat := category(catalog.Limit{Type: catalog.LimitRetry, Amount: 1})

	j, _ := m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
	if err := m.CompleteJob(j.ID, Result{Code: 2, Description: "boom"}); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	ls := sup.launches()
	if len(ls) != 2 {
		t.Fatalf("launches = %d, want 2", len(ls))
	}
	retry := ls[1]
	if retry.Source != SourceRetry || retry.Retries != 1 {
		t.Fatalf("retry = source %s retries %d, want retry/1", retry.Source, retry.Retries)
	}

	// The retry budget is spent.
	_ = m.CompleteJob(retry.ID, Result{Code: 2})
	if got := len(sup.launches()); got != 2 {
		t.Fatalf("launches = %d, want 2", got)
	}
	if got := m.ActiveCount("ev"); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0", got)
	}
}

func TestRetryWaitsForDelay(t *testing.T) {
	t.Parallel()
	m, sup, _ := newTestManager(t, Config{}, nil)
	cat := category(catalog.Limit{Type: catalog.LimitRetry, Amount: 1, Duration: 1})

	j, _ := m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
	_ = m.CompleteJob(j.ID, Result{Code: 1})
	queued, _ := m.ListActiveJobs(Filter{Event: "ev"}, Page{})
	if len(queued) != 1 || queued[0].State != StateQueued || queued[0].RetryAt == 0 {
		t.Fatalf("retry attempt = %+v, want one delayed queued job", queued)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(sup.launches()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("retry never launched")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFlushQueueIsSilent(t *testing.T) {
	t.Parallel()
	m, _, rec := newTestManager(t, Config{}, nil)
	cat := category(catalog.Limit{Type: catalog.LimitJob, Amount: 1})
	cat.Actions = []catalog.Action{{Trigger: catalog.OnComplete, Type: catalog.ActionLog, Enabled: true}}

	for i := 0; i < 3; i++ {
		_, _ = m.RequestLaunch(context.Background(), event("ev"), cat, Override{})
	}
	if n := m.FlushQueue("ev"); n != 2 {
		t.Fatalf("FlushQueue = %d, want 2", n)
	}
	if n := m.FlushQueue("ev"); n != 0 {
		t.Fatalf("second FlushQueue = %d, want 0", n)
	}
	if got := len(rec.archivedJobs()); got != 0 {
		t.Fatalf("archived = %d, want 0", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, tr := range rec.triggers {
		if tr == catalog.OnComplete {
			t.Fatal("flush must not fire completion actions")
		}
	}
}

func TestCheckLimits(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{AbortGrace: time.Hour}, nil)
	t0 := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return t0 }

	timed, _ := m.RequestLaunch(context.Background(), event("timed"),
		category(catalog.Limit{Type: catalog.LimitTime, Duration: 60}), Override{})
	hot, _ := m.RequestLaunch(context.Background(), event("hot"),
		category(catalog.Limit{Type: catalog.LimitCPU, Amount: 50, Duration: 10}), Override{})

	cpu := 80.0
	_ = m.OnWorkerUpdate(hot.ID, Update{CPU: &cpu})

	m.CheckLimits(t0.Add(5 * time.Second))
	for _, id := range []string{timed.ID, hot.ID} {
		if j, _ := m.Get(id); j.Aborting {
			t.Fatalf("job %s aborting too early", j.Event)
		}
	}

	m.CheckLimits(t0.Add(61 * time.Second))
	j, _ := m.Get(timed.ID)
	if !j.Aborting || j.AbortReason == "" {
		t.Fatalf("timed job = %+v, want aborting with reason", j)
	}
	j, _ = m.Get(hot.ID)
	if !j.Aborting {
		t.Fatal("cpu job should abort after sustained breach")
	}
}

func TestLogLimitBreachOnUpdate(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{AbortGrace: time.Hour}, nil)
	j, _ := m.RequestLaunch(context.Background(), event("ev"),
		category(catalog.Limit{Type: catalog.LimitLog, Amount: 1024}), Override{})
	size := int64(4096)
	if err := m.OnWorkerUpdate(j.ID, Update{LogSize: &size}); err != nil {
		t.Fatalf("OnWorkerUpdate error: %v", err)
	}
	got, _ := m.Get(j.ID)
	if !got.Aborting {
		t.Fatal("log limit breach should abort")
	}
}

func TestContinuousRelaunch(t *testing.T) {
	t.Parallel()
	m, _, rec := newTestManager(t, Config{AbortGrace: time.Hour}, nil)
	ev := event("loop")
	ev.Timing = []timing.Rule{{Type: timing.KindContinuous, Enabled: true}}

	j, _ := m.RequestLaunch(context.Background(), ev, category(), Override{Source: SourceContinuous})
	_ = m.CompleteJob(j.ID, Result{})

	j, _ = m.RequestLaunch(context.Background(), ev, category(), Override{Source: SourceContinuous})
	_ = m.AbortJob(j.ID, "")
	_ = m.AckAbort(j.ID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.relaunch) != 1 || rec.relaunch[0] != "loop" {
		t.Fatalf("relaunch = %v, want [loop]", rec.relaunch)
	}
}

func TestExclusiveLaunchStartsOneJob(t *testing.T) {
	t.Parallel()
	m, sup, _ := newTestManager(t, Config{}, nil)
	ev := event("loop")
	ev.Timing = []timing.Rule{{Type: timing.KindContinuous, Enabled: true}}

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		busy    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RequestLaunch(context.Background(), ev, category(), Override{Source: SourceContinuous, Exclusive: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrEventBusy):
				busy++
			default:
				t.Errorf("RequestLaunch error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started != 1 || busy != callers-1 {
		t.Fatalf("started = %d, busy = %d, want 1/%d", started, busy, callers-1)
	}
	if got := m.ActiveCount("loop"); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
	if got := len(sup.launches()); got != 1 {
		t.Fatalf("supervisor launches = %d, want 1", got)
	}
}

func TestManualAbortHaltsContinuous(t *testing.T) {
	t.Parallel()
	m, _, rec := newTestManager(t, Config{AbortGrace: time.Hour}, nil)
	ev := event("loop")
	ev.Timing = []timing.Rule{{Type: timing.KindContinuous, Enabled: true}}
	auto := Override{Source: SourceContinuous, Exclusive: true}

	j, err := m.RequestLaunch(context.Background(), ev, category(), auto)
	if err != nil {
		t.Fatalf("RequestLaunch error: %v", err)
	}
	_ = m.AbortJob(j.ID, "")
	_ = m.AckAbort(j.ID)
	if !m.Halted("loop") {
		t.Fatal("Halted = false after manual abort, want true")
	}
	if _, err := m.RequestLaunch(context.Background(), ev, category(), auto); !errors.Is(err, ErrEventHalted) {
		t.Fatalf("continuous launch err = %v, want ErrEventHalted", err)
	}

	// A new revision of the event resumes the cycle.
	ev.Revision = 2
	j, err = m.RequestLaunch(context.Background(), ev, category(), auto)
	if err != nil {
		t.Fatalf("RequestLaunch after revision change error: %v", err)
	}
	if m.Halted("loop") {
		t.Fatal("Halted = true after revision change, want false")
	}

	// Limit aborts keep the cycle going.
	if err := m.OnLimitBreach(j.ID, catalog.LimitTime); err != nil {
		t.Fatalf("OnLimitBreach error: %v", err)
	}
	_ = m.AckAbort(j.ID)
	if m.Halted("loop") {
		t.Fatal("Halted = true after limit abort, want false")
	}

	j, _ = m.RequestLaunch(context.Background(), ev, category(), auto)
	_ = m.AbortJob(j.ID, "")
	_ = m.AckAbort(j.ID)
	j, err = m.RequestLaunch(context.Background(), ev, category(), Override{})
	if err != nil || j.Source != SourceManual {
		t.Fatalf("manual launch = %+v, %v", j, err)
	}
	if m.Halted("loop") {
		t.Fatal("Halted = true after manual launch, want false")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.relaunch) != 1 {
		t.Fatalf("relaunch = %v, want only the limit abort", rec.relaunch)
	}
}

func TestListActiveJobsPaging(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{}, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = m.RequestLaunch(context.Background(), event(id), category(), Override{})
	}
	page, total := m.ListActiveJobs(Filter{}, Page{Offset: 1, Limit: 1})
	if total != 3 || len(page) != 1 {
		t.Fatalf("page = %d items of %d, want 1 of 3", len(page), total)
	}
	only, _ := m.ListActiveJobs(Filter{Event: "b"}, Page{})
	if len(only) != 1 || only[0].Event != "b" {
		t.Fatalf("filtered = %+v", only)
	}
	if _, total := m.ListActiveJobs(Filter{}, Page{Offset: 10}); total != 3 {
		t.Fatalf("total past end = %d, want 3", total)
	}
}
