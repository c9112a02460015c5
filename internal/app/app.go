package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/config"
	"jobmaster/internal/eventbus"
	"jobmaster/internal/jobs"
	"jobmaster/internal/monitor"
	"jobmaster/internal/notify"
	"jobmaster/internal/plugin"
	"jobmaster/internal/scheduler"
	"jobmaster/internal/storage"
	"jobmaster/internal/targets"
	"jobmaster/internal/worker"
	logx "jobmaster/pkg/logx"

	rtsup "jobmaster/internal/runtime/supervisor"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	events  *catalog.Store
	plugins *plugin.Registry
	sel     *targets.Selector
	feed    *monitor.Feed
	driver  worker.Driver
	jobs    *jobs.Manager
	sched   *scheduler.Service
	notif   *notify.Dispatcher

	// guarded by mu
	mu          sync.Mutex
	applied     settings
	tgToken     string
	probeCancel context.CancelFunc
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := compileCatalog(cfg, s.plugins)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(s.logging)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		events:  catalog.NewStore(),
		plugins: plugin.NewRegistry(),
		sel:     targets.NewSelector(),
		feed:    monitor.NewFeed(s.staleAfter, bus),
		applied: s,
	}
	if err := a.plugins.Apply(s.plugins); err != nil {
		return nil, err
	}
	a.events.Replace(cat)

	if s.storage.Driver != "" {
		st, err := storage.Open(ctx, s.storage, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", s.storage.Driver))
	}

	driver, err := worker.Open(ctx, s.worker, root.With(logx.String("comp", "worker")))
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.driver = driver

	a.notif = notify.New(s.notify, root.With(logx.String("comp", "notify")), bus)
	a.notif.Register(notify.ChannelLog, notify.LogSender(root.With(logx.String("comp", "notify.log"))))
	if err := a.setTelegram(s.telegram); err != nil {
		a.closeStore()
		return nil, err
	}
	logSvc.SetAlertSink(a.notif)

	a.jobs = jobs.New(s.jobs, root.With(logx.String("comp", "jobs")), bus, jobs.Deps{
		Supervisor: driver,
		Targets:    jobs.ChooserFunc(a.chooseServer),
		Notifier:   a.notif,
		Archiver:   archiveFunc(a.archive),
		Relaunch:   a.relaunch,
	})
	driver.Bind(a.jobs)

	var states scheduler.StateStore
	if a.store != nil {
		states = a.store
	}
	a.sched = scheduler.New(s.scheduler, a.events, a.jobs, states, a.plugins, root.With(logx.String("comp", "scheduler")), bus)
	return a, nil
}

type archiveFunc func(ctx context.Context, j jobs.Job) error

func (f archiveFunc) ArchiveJob(ctx context.Context, j jobs.Job) error { return f(ctx, j) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	a.notif.Apply(run, a.applied.notify)
	a.sched.Start(run)

	a.sup.GoRestart("jobs.watchdog", a.jobs.Run, rtsup.WithPublishFirstError(false))
	a.applyProbe(a.applied.probe)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				if err := a.apply(c, last, cfg); err != nil {
					a.log.Warn("config reload failed; keeping previous", logx.Err(err))
					continue
				}
				last = cfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("events", len(a.events.Snapshot().Events())),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

// Reload re-reads the config file immediately. Watch does the same on file changes.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		return nil
	}
	return err
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) error {
	s, err := mapSettings(cfg)
	if err != nil {
		return err
	}
	if err := a.plugins.Apply(s.plugins); err != nil {
		return err
	}
	cat, err := catalog.Compile(cfg.Catalog(), a.plugins.Known)
	if err != nil {
		return err
	}

	sections, attrs := config.SummarizeConfigChange(prev, cfg)

	a.logs.Apply(s.logging)
	if err := a.setTelegram(s.telegram); err != nil {
		a.log.Warn("telegram sender not updated", logx.Err(err))
	}
	a.notif.Apply(ctx, s.notify)
	a.jobs.Apply(s.jobs)
	a.feed.SetStaleAfter(s.staleAfter)

	removed := a.events.Replace(cat)
	if len(removed) > 0 {
		a.sched.Forget(ctx, removed...)
		a.jobs.Resume(removed...)
		for _, id := range removed {
			a.sel.Forget(id)
		}
	}
	a.sched.Apply(ctx, s.scheduler)

	a.mu.Lock()
	old := a.applied
	a.applied = s
	a.mu.Unlock()

	if old.probe != s.probe {
		a.applyProbe(s.probe)
	}
	if old.worker != s.worker {
		a.log.Warn("worker config changed; restart required for changes to take effect")
	}
	if config.StorageChanged(prev, cfg) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.CatalogRefreshed, Time: time.Now(), Data: len(cat.Events())})
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return nil
}

func (a *App) setTelegram(tc notify.TelegramConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tc.Token == a.tgToken {
		return nil
	}
	if tc.Token == "" {
		a.notif.Register(notify.ChannelTelegram, nil)
		a.tgToken = ""
		return nil
	}
	tg, err := notify.NewTelegram(tc)
	if err != nil {
		return err
	}
	a.notif.Register(notify.ChannelTelegram, tg)
	a.tgToken = tc.Token
	return nil
}

// applyProbe (re)starts the local stats probe.
func (a *App) applyProbe(ps probeSettings) {
	a.mu.Lock()
	if a.probeCancel != nil {
		a.probeCancel()
		a.probeCancel = nil
	}
	if !ps.enabled || a.sup == nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.probeCancel = cancel
	a.mu.Unlock()

	probe := &monitor.LocalProbe{
		Feed:     a.feed,
		ServerID: ps.serverID,
		Every:    ps.every,
		Log:      a.log.With(logx.String("comp", "monitor.probe")),
	}
	a.sup.Go0("monitor.probe", func(context.Context) { _ = probe.Run(ctx) })
}

func (a *App) chooseServer(eventID string, ids []string, algo string) (string, error) {
	cat := a.events.Snapshot()
	servers := a.feed.Merge(cat.Servers(), time.Now())
	srv, err := a.sel.Choose(eventID, ids, algo, servers, cat.Groups())
	if err != nil {
		return "", err
	}
	return srv.ID, nil
}

// archive stores a finished job and the event's last result.
func (a *App) archive(ctx context.Context, j jobs.Job) error {
	if _, ok := a.events.Snapshot().Event(j.Event); ok {
		a.sched.RecordResult(ctx, j.Event, j.ID, j.Code)
	}
	if a.store == nil {
		return nil
	}
	return a.store.ArchiveJob(ctx, j)
}

// relaunch restarts a continuous event after its job ended.
func (a *App) relaunch(eventID string) {
	go func() {
		cat := a.events.Snapshot()
		ev, ok := cat.Event(eventID)
		if !ok || !cat.Schedulable(ev) || !a.sched.Enabled() {
			return
		}
		ov := jobs.Override{Source: jobs.SourceContinuous, Exclusive: true}
		_, err := a.jobs.RequestLaunch(context.Background(), ev, cat.Category(ev.Category), ov)
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrEventBusy), errors.Is(err, jobs.ErrEventHalted):
			a.log.Debug("continuous relaunch skipped", logx.String("event", eventID), logx.Err(err))
		default:
			a.log.Warn("continuous relaunch failed", logx.String("event", eventID), logx.Err(err))
		}
	}()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage by max without extending the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("jobs", time.Second, func(context.Context) error { a.jobs.Close(); return nil })
	step("worker", 15*time.Second, a.driver.Close)
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStoreErr() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.SetAlertSink(nil)
	return a.logs.Close()
}

func (a *App) closeStore() { _ = a.closeStoreErr() }

func (a *App) closeStoreErr() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
