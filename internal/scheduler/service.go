package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"

	rtsup "jobmaster/internal/runtime/supervisor"
)

func New(cfg Config, events *catalog.Store, launcher Launcher, store StateStore, plugins timing.PluginDecider, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		plugins:     plugins,
		events:      events,
		launcher:    launcher,
		store:       store,
		states:      map[string]timing.State{},
		delayed:     map[string]*time.Timer{},
		lastEnqWarn: map[string]time.Time{},
	}
	s.eval = s.newEvaluator(cfg.Timezone)
	return s
}

func (s *Service) newEvaluator(tz string) *timing.Evaluator {
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return timing.NewEvaluator(loc,
		timing.WithPlugins(s.plugins),
		timing.WithLogger(s.log.With(logx.String("comp", "timing"))),
	)
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Evaluator returns the evaluator used by ticks. The predictor shares its timezone.
func (s *Service) Evaluator() *timing.Evaluator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eval
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.eval = s.newEvaluator(cfg.Timezone)
		s.log.Info("scheduler timezone changed", logx.String("tz", s.eval.Location().String()))
	}
	running := s.sup != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

// Start launches the minute-aligned tick loop. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.sup"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	tz := s.eval.Location().String()
	s.mu.Unlock()

	if err := s.loadStates(ctx); err != nil {
		s.log.Warn("event state load failed; cursors start empty", logx.Err(err))
	}

	sup.GoRestart("tick", func(c context.Context) error {
		s.loop(c)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("scheduler started", logx.String("tz", tz))
}

// Stop ends the tick loop and cancels pending delayed launches.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}

	s.tmu.Lock()
	n := len(s.delayed)
	for k, t := range s.delayed {
		t.Stop()
		delete(s.delayed, k)
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("cancelled_delayed", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) {
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case fired := <-t.C:
			s.Tick(ctx, fired)
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.sup != nil, Timezone: s.eval.Location().String()}
	s.mu.Unlock()

	s.tmu.Lock()
	snap.Delayed = len(s.delayed)
	s.tmu.Unlock()

	s.tickMu.Lock()
	snap.LastTick = s.last
	s.tickMu.Unlock()
	return snap
}

// State returns the engine state of an event.
func (s *Service) State(eventID string) timing.State {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.states[eventID]
}

// States returns a copy of all event states.
func (s *Service) States() map[string]timing.State {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	out := make(map[string]timing.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// RecordResult stores the last job id and exit code of an event.
func (s *Service) RecordResult(ctx context.Context, eventID, jobID string, code int) {
	s.stMu.Lock()
	st := s.states[eventID]
	st.LastJob = jobID
	st.LastCode = code
	s.states[eventID] = st
	s.stMu.Unlock()

	s.saveState(ctx, eventID)
}

// Forget drops the state of events that no longer exist.
func (s *Service) Forget(ctx context.Context, eventIDs ...string) {
	for _, id := range eventIDs {
		s.stMu.Lock()
		delete(s.states, id)
		s.stMu.Unlock()

		s.tmu.Lock()
		for k, t := range s.delayed {
			if strings.HasPrefix(k, id+"@") {
				t.Stop()
				delete(s.delayed, k)
			}
		}
		s.tmu.Unlock()

		if s.store != nil {
			if err := s.store.DeleteState(ctx, id); err != nil {
				s.log.Warn("event state delete failed", logx.String("event", id), logx.Err(err))
			}
		}
	}
}

func (s *Service) loadStates(ctx context.Context) error {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	if s.loaded || s.store == nil {
		s.loaded = true
		return nil
	}
	st, err := s.store.LoadStates(ctx)
	if err != nil {
		return err
	}
	for k, v := range st {
		s.states[k] = v
	}
	s.loaded = true
	s.log.Debug("event states loaded", logx.Int("events", len(st)))
	return nil
}

// update applies fn to the stored state of an event and returns the result.
func (s *Service) update(eventID string, fn func(st *timing.State)) timing.State {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	st := s.states[eventID]
	fn(&st)
	s.states[eventID] = st
	return st
}

// saveState persists the current in-memory state of an event.
func (s *Service) saveState(ctx context.Context, eventID string) {
	if s.store == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.stMu.Lock()
	st, ok := s.states[eventID]
	s.stMu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.SaveTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.store.SaveState(ctx, eventID, st); err != nil {
		s.warnThrottled("save:"+eventID, "event state save failed", logx.String("event", eventID), logx.Err(err))
	}
}
