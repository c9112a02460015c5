package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/jobs"
	"jobmaster/internal/timing"
	logx "jobmaster/pkg/logx"
)

// BacklogTruncated is published when a catch-up window exceeded the limit.
type BacklogTruncated struct {
	Event   string `json:"event"`
	Skipped int64  `json:"skipped"`
	Cursor  int64  `json:"cursor"`
}

// Tick runs one sequential pass over all schedulable events at now.
//
// Per event, minutes are evaluated oldest first and the cursor advances only after
// the minute's launch was handed to the job manager. The cursor is persisted after
// every minute that fired and once at the end of the event's window. An event with
// plugin rules stops once it has used PluginBudget; its remaining minutes stay
// behind the cursor for the next tick.
func (s *Service) Tick(ctx context.Context, now time.Time) TickReport {
	start := time.Now()
	s.mu.Lock()
	eval := s.eval
	limit := s.cfg.CatchupLimit
	budget := s.cfg.PluginBudget
	s.mu.Unlock()
	if budget <= 0 {
		budget = DefaultPluginBudget
	}

	if err := s.loadStates(ctx); err != nil {
		s.log.Warn("event state load failed; cursors start empty", logx.Err(err))
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	rep := TickReport{At: now}
	cat := s.events.Snapshot()
	for _, ev := range cat.Events() {
		if ctx.Err() != nil {
			break
		}
		if !cat.Schedulable(ev) {
			continue
		}
		rep.Events++
		s.tickEvent(ctx, eval, cat, ev, now, limit, budget, &rep)
	}
	rep.Took = time.Since(start)
	s.last = rep

	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerTick, Time: now, Data: rep})
	if rep.Fired > 0 || rep.Truncated > 0 || rep.Deferred > 0 {
		s.log.Debug("tick",
			logx.Int("events", rep.Events),
			logx.Int("minutes", rep.Minutes),
			logx.Int("fired", rep.Fired),
			logx.Int("delayed", rep.Delayed),
			logx.Duration("took", rep.Took),
		)
	}
	return rep
}

func (s *Service) tickEvent(ctx context.Context, eval *timing.Evaluator, cat *catalog.Catalog, ev catalog.Event, now time.Time, limit int, budget time.Duration, rep *TickReport) {
	bl := timing.Window(ev.Timing, s.State(ev.ID), now, limit)
	if bl.Truncated {
		rep.Truncated++
		s.update(ev.ID, func(st *timing.State) { st.Cursor = max(st.Cursor, bl.Cursor) })
		s.saveState(ctx, ev.ID)
		s.log.Warn("catch-up backlog truncated",
			logx.String("event", ev.ID),
			logx.Int64("skipped_minutes", bl.Skipped),
			logx.Epoch("cursor", bl.Cursor),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.BacklogTruncated, Time: now,
			Data: BacklogTruncated{Event: ev.ID, Skipped: bl.Skipped, Cursor: bl.Cursor}})
	}
	if len(bl.Minutes) == 0 {
		return
	}

	rules := ev.Timing
	dirty := false
	slow := timing.Has(rules, timing.KindPlugin)
	started := time.Now()
	for i, minute := range bl.Minutes {
		if slow && i > 0 && time.Since(started) >= budget {
			rep.Deferred++
			s.warnThrottled("budget:"+ev.ID, "plugin budget spent; deferring rest of window",
				logx.String("event", ev.ID),
				logx.Int("deferred_minutes", len(bl.Minutes)-i),
				logx.Duration("budget", budget),
			)
			break
		}
		rep.Minutes++
		d := eval.ShouldFire(ctx, ev.ID, rules, minute)
		if d.Fire {
			rep.Fired++
			if len(d.Consume) > 0 {
				// Later minutes of this backlog must not see the consumed rule.
				rules = timing.CloneRules(rules)
				d.Commit(rules)
				s.events.ConsumeSingles(ev.ID, d.Consume)
			}
			s.dispatch(ctx, cat, ev, d, minute, rep)
		}
		s.update(ev.ID, func(st *timing.State) { *st = timing.AdvanceCursor(*st, minute) })
		dirty = true
		if d.Fire {
			s.saveState(ctx, ev.ID)
			dirty = false
		}
	}
	if dirty {
		s.saveState(ctx, ev.ID)
	}
}

// dispatch hands a match to the job manager, now or after the decision's delay.
func (s *Service) dispatch(ctx context.Context, cat *catalog.Catalog, ev catalog.Event, d timing.Decision, minute time.Time, rep *TickReport) {
	ov := jobs.Override{Source: jobs.SourceScheduler}
	if d.Kind == timing.KindContinuous {
		ov.Source = jobs.SourceContinuous
		ov.Exclusive = true
	}

	if d.Delay > 0 {
		rep.Delayed++
		key := fmt.Sprintf("%s@%d", ev.ID, minute.Unix())
		delay := time.Duration(d.Delay) * time.Second
		id := ev.ID
		s.tmu.Lock()
		if _, dup := s.delayed[key]; !dup {
			s.delayed[key] = time.AfterFunc(delay, func() {
				s.tmu.Lock()
				delete(s.delayed, key)
				s.tmu.Unlock()
				s.launchDelayed(context.WithoutCancel(ctx), id, ov)
			})
		}
		s.tmu.Unlock()
		s.log.Debug("launch delayed", logx.String("event", ev.ID), logx.Duration("delay", delay))
		return
	}
	switch s.launch(ctx, ev, cat.Category(ev.Category), ov) {
	case launchStarted:
		rep.Launched++
	case launchSkipped:
		rep.Skipped++
	}
}

// launchDelayed re-reads the catalog when the delay ends; the event or its
// category may have been disabled or removed in the meantime.
func (s *Service) launchDelayed(ctx context.Context, eventID string, ov jobs.Override) {
	cat := s.events.Snapshot()
	ev, ok := cat.Event(eventID)
	if !ok || !cat.Schedulable(ev) {
		s.log.Debug("delayed launch dropped; event no longer schedulable", logx.String("event", eventID))
		return
	}
	s.launch(ctx, ev, cat.Category(ev.Category), ov)
}

type launchOutcome int

const (
	launchFailed launchOutcome = iota
	launchStarted
	launchSkipped
)

func (s *Service) launch(ctx context.Context, ev catalog.Event, category *catalog.Category, ov jobs.Override) launchOutcome {
	j, err := s.launcher.RequestLaunch(ctx, ev, category, ov)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrEventBusy), errors.Is(err, jobs.ErrEventHalted):
		s.log.Debug("launch skipped", logx.String("event", ev.ID), logx.Err(err))
		return launchSkipped
	default:
		s.reportLaunchError(ev.ID, err)
		return launchFailed
	}
	s.log.Debug("scheduled launch", logx.String("event", ev.ID), logx.String("job", j.ID), logx.String("state", string(j.State)))
	return launchStarted
}
