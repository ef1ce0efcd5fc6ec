package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bilirelay/internal/bili"
	"bilirelay/internal/config"
	"bilirelay/internal/delivery"
	"bilirelay/internal/dispatch"
	"bilirelay/internal/eventbus"
	"bilirelay/internal/model"
	"bilirelay/internal/observability/status"
	"bilirelay/internal/runtime/supervisor"
	"bilirelay/internal/schedule"
	"bilirelay/internal/storage"
	"bilirelay/internal/watch"
	"bilirelay/internal/window"
	"bilirelay/pkg/logx"
)

// App wires the watchers, the dispatch queue and the delivery engine, and
// applies config reloads to them.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts *alertSender
	bus    eventbus.Bus
	store  storage.Store

	client *bili.Client
	system window.Driver

	drvMu  sync.Mutex
	dryRun *window.DryRun

	engine   *delivery.Engine
	disp     *dispatch.Service
	runner   *schedule.Runner
	watchers []*watch.Watcher
	status   *status.Server

	startedAt time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, window.NewSystem())
}

func build(cfgm *config.ConfigManager, cfg *config.Config, system window.Driver) (*App, error) {
	a := &App{cfgm: cfgm, system: system, bus: eventbus.New()}

	a.alerts = &alertSender{}
	logs, log := logx.New(mapLogging(cfg), a.alerts)
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))
	if err := a.alerts.apply(mapTelegram(cfg)); err != nil {
		a.log.Warn("telegram alerts unavailable", logx.Err(err))
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.Bool("path_set", sc.Path != ""))

	bo, err := mapBili(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.client = bili.New(bo, log)

	dopt, err := mapDelivery(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	images := delivery.NewImages(mapImages(cfg), log)
	a.engine = delivery.New(a.driverFor(cfg), images, dopt, log)

	dcfg, err := mapDispatch(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.disp = dispatch.New(dcfg, engineResolver{a.engine}, a.engine, log, a.bus, st)

	a.runner = schedule.NewRunner(log)
	a.watchers = []*watch.Watcher{
		watch.NewFeed(a.client, st, a.disp, func() watch.Settings { return mapSettings(a.cfgm.Get().Feed) }, a.bus, log),
		watch.NewLive(a.client, st, a.disp, func() watch.Settings { return mapSettings(a.cfgm.Get().Live) }, a.bus, log),
	}
	a.status = status.New(mapStatus(cfg), a.Snapshot, log)
	return a, nil
}

// driverFor returns the OS driver, or a recording driver in dry-run mode.
// The recording driver is reused across reloads so its call log survives.
func (a *App) driverFor(cfg *config.Config) window.Driver {
	a.drvMu.Lock()
	defer a.drvMu.Unlock()
	if !cfg.Delivery.DryRun {
		return a.system
	}
	if a.dryRun == nil {
		a.dryRun = window.NewDryRun(a.system, mapWindows(cfg))
	} else {
		a.dryRun.SetWindows(mapWindows(cfg))
	}
	return a.dryRun
}

// DryRun returns the recording driver, or nil when dry-run was never enabled.
func (a *App) DryRun() *window.DryRun {
	a.drvMu.Lock()
	defer a.drvMu.Unlock()
	return a.dryRun
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatch(cfg); err != nil {
			return err
		}
		_, err := mapDelivery(cfg)
		return err
	})

	a.disp.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	for _, w := range a.watchers {
		if err := a.schedule(w, sourceConfig(cfg, w.Name()), true); err != nil {
			return err
		}
	}
	a.runner.Start(a.sup.Context())

	if err := a.status.Start(); err != nil {
		a.log.Warn("status server not started", logx.Err(err))
	}

	a.startAudit()
	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("dry_run", cfg.Delivery.DryRun),
		logx.Bool("feed", cfg.Feed.IsEnabled()),
		logx.Bool("live", cfg.Live.IsEnabled()),
	)
	return nil
}

func sourceConfig(cfg *config.Config, name string) config.SourceConfig {
	if name == watch.SourceLive {
		return cfg.Live
	}
	return cfg.Feed
}

func (a *App) watcher(name string) *watch.Watcher {
	for _, w := range a.watchers {
		if w.Name() == name {
			return w
		}
	}
	return nil
}

// schedule adds, moves or removes the watcher's job to match src.
func (a *App) schedule(w *watch.Watcher, src config.SourceConfig, runNow bool) error {
	if !src.IsEnabled() {
		a.runner.Remove(w.Name())
		a.log.Info("source disabled", logx.String("source", w.Name()))
		return nil
	}
	if _, ok := a.runner.Next(w.Name()); ok {
		return a.runner.Reschedule(w.Name(), src.ScheduleOrDefault())
	}
	return a.runner.Add(w.Name(), src.ScheduleOrDefault(), runNow, w.Cycle)
}

// startAudit appends every finished dispatch job to the store's audit log.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(64, eventbus.DispatchDone)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				je, ok := e.Data.(dispatch.JobEvent)
				if !ok || je.Report == nil {
					continue
				}
				if err := a.store.AppendAudit(c, auditEntry(je)); err != nil {
					a.log.Warn("audit append failed", logx.String("job_id", je.JobID), logx.Err(err))
				}
			}
		}
	})
}

func auditEntry(je dispatch.JobEvent) storage.AuditEntry {
	rep := je.Report
	var ok, skipped, fail int
	for _, o := range rep.Outcomes {
		switch o.Status {
		case model.Delivered:
			ok++
		case model.Skipped:
			skipped++
		case model.Failed:
			fail++
		}
	}
	return storage.AuditEntry{
		At:        je.At,
		JobID:     je.JobID,
		Source:    je.Source,
		Event:     je.Event,
		Status:    string(rep.Status),
		Reason:    rep.Reason,
		Delivered: ok,
		Skipped:   skipped,
		Failed:    fail,
		Image:     rep.Image,
		TookMS:    rep.Took.Milliseconds(),
	}
}

// startReload fans config updates out to the components that support
// live changes.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, resched := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", restart))
	}

	if err := a.alerts.apply(mapTelegram(newCfg)); err != nil {
		a.log.Warn("telegram alerts unavailable", logx.Err(err))
	}
	a.logs.Apply(mapLogging(newCfg))

	if dopt, err := mapDelivery(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dopt, a.driverFor(newCfg))
	}

	if dcfg, err := mapDispatch(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	for _, name := range resched {
		w := a.watcher(name)
		if w == nil {
			continue
		}
		if err := a.schedule(w, sourceConfig(newCfg, name), false); err != nil {
			a.log.Warn("reschedule failed", logx.String("source", name), logx.Err(err))
		}
	}

	if err := a.status.Reconfigure(ctx, mapStatus(newCfg)); err != nil {
		a.log.Warn("status server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Snapshot is the document served on GET /status.
func (a *App) Snapshot() any {
	type source struct {
		watch.Status
		Next time.Time `json:"next,omitempty"`
	}
	doc := struct {
		StartedAt  time.Time                   `json:"started_at"`
		DryRun     bool                        `json:"dry_run"`
		Sources    []source                    `json:"sources"`
		History    []dispatch.HistoryItem      `json:"history"`
		Goroutines []supervisor.GoroutineStats `json:"goroutines,omitempty"`
	}{
		StartedAt: a.startedAt,
		DryRun:    a.cfgm.Get().Delivery.DryRun,
		History:   a.disp.Snapshot(),
	}
	for _, w := range a.watchers {
		s := source{Status: w.Status()}
		if next, ok := a.runner.Next(w.Name()); ok {
			s.Next = next
		}
		doc.Sources = append(doc.Sources, s)
	}
	if a.sup != nil {
		doc.Goroutines = a.sup.Snapshot()
	}
	if dsup := a.disp.Supervisor(); dsup != nil {
		doc.Goroutines = append(doc.Goroutines, dsup.Snapshot()...)
	}
	return doc
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop triggers first so no new cycle starts while the queue drains.
	a.step(ctx, "schedule", 3*time.Second, func(c context.Context) error { return a.runner.Stop(c) })
	a.step(ctx, "dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so a stuck component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// engineResolver enumerates through whichever driver the engine currently
// uses, so a dry-run toggle also switches target resolution.
type engineResolver struct{ eng *delivery.Engine }

func (r engineResolver) Resolve(ctx context.Context, m window.Match) ([]model.Target, error) {
	return window.NewResolver(r.eng.Driver()).Resolve(ctx, m)
}
