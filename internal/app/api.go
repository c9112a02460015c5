package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/config"
	"jobmaster/internal/jobs"
	"jobmaster/internal/monitor"
	"jobmaster/internal/notify"
	"jobmaster/internal/predict"
	"jobmaster/internal/scheduler"
	"jobmaster/internal/storage"
	"jobmaster/internal/timing"

	rtsup "jobmaster/internal/runtime/supervisor"
)

var ErrUnknownServer = errors.New("unknown server")

// RequestLaunch starts (or queues) a manual run of the event with the given id or title.
func (a *App) RequestLaunch(ctx context.Context, eventIDOrTitle string, ov jobs.Override) (jobs.Job, error) {
	cat := a.events.Snapshot()
	ev, err := cat.Lookup(eventIDOrTitle)
	if err != nil {
		return jobs.Job{}, err
	}
	if !cat.Schedulable(ev) {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrEventDisabled, ev.ID)
	}
	if ov.Source == "" {
		ov.Source = jobs.SourceManual
	}
	return a.jobs.RequestLaunch(ctx, ev, cat.Category(ev.Category), ov)
}

// AbortJob asks the job's worker to stop. The job turns aborted on acknowledgement
// or once the abort grace period runs out.
func (a *App) AbortJob(_ context.Context, jobID string) error {
	return a.jobs.AbortJob(jobID, "aborted by user")
}

// FlushQueue drops every queued job of the event and returns how many were removed.
func (a *App) FlushQueue(eventID string) int { return a.jobs.FlushQueue(eventID) }

func (a *App) ListActiveJobs(f jobs.Filter, p jobs.Page) ([]jobs.Job, int) {
	return a.jobs.ListActiveJobs(f, p)
}

// PredictUpcoming forecasts scheduled launches of enabled events from now.
func (a *App) PredictUpcoming(ctx context.Context, opts predict.Options) predict.Forecast {
	cat := a.events.Snapshot()
	return predict.New(a.sched.Evaluator()).Predict(ctx, schedulable(cat), opts, time.Now())
}

// ReportServerStats records live stats pushed by a worker server.
func (a *App) ReportServerStats(serverID string, st monitor.Stats) error {
	for _, s := range a.events.Snapshot().Servers() {
		if s.ID == serverID {
			a.feed.Report(serverID, st)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
}

// RecentJobs returns the newest archived jobs of an event (all events when eventID is empty).
func (a *App) RecentJobs(ctx context.Context, eventID string, n int) ([]jobs.Job, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentJobs(ctx, eventID, n)
}

// EventState returns the engine bookkeeping of an event.
func (a *App) EventState(eventID string) timing.State { return a.sched.State(eventID) }

type Status struct {
	Scheduler  scheduler.Snapshot       `json:"scheduler"`
	Jobs       jobs.Snapshot            `json:"jobs"`
	Notify     notify.Snapshot          `json:"notify"`
	Workers    int                      `json:"workers"`
	Supervisor rtsup.SupervisorSnapshot `json:"supervisor"`
}

func (a *App) Status() Status {
	return Status{
		Scheduler:  a.sched.Snapshot(),
		Jobs:       a.jobs.Snapshot(),
		Notify:     a.notif.Snapshot(),
		Workers:    a.driver.Running(),
		Supervisor: a.sup.Snapshot(),
	}
}

// PredictConfig forecasts launches straight from a config, without starting anything.
// Plugin rules never match in a forecast.
func PredictConfig(ctx context.Context, cfg *config.Config, opts predict.Options, now time.Time) (predict.Forecast, error) {
	s, err := mapSettings(cfg)
	if err != nil {
		return predict.Forecast{}, err
	}
	cat, err := compileCatalog(cfg, s.plugins)
	if err != nil {
		return predict.Forecast{}, err
	}
	loc := time.UTC
	if s.scheduler.Timezone != "" {
		if loc, err = time.LoadLocation(s.scheduler.Timezone); err != nil {
			return predict.Forecast{}, err
		}
	}
	return predict.New(timing.NewEvaluator(loc)).Predict(ctx, schedulable(cat), opts, now), nil
}

func schedulable(cat *catalog.Catalog) []catalog.Event {
	var out []catalog.Event
	for _, ev := range cat.Events() {
		if cat.Schedulable(ev) {
			out = append(out, ev)
		}
	}
	return out
}
