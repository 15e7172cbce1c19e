// Package app wires the storage, task and collection layers into one
// process and keeps them in step with the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"newsdesk/internal/collect"
	"newsdesk/internal/collector"
	"newsdesk/internal/collector/feed"
	"newsdesk/internal/collector/page"
	"newsdesk/internal/config"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/metrics"
	"newsdesk/internal/monitor"
	"newsdesk/internal/notifier"
	"newsdesk/internal/observability/ops"
	"newsdesk/internal/records"
	rtsup "newsdesk/internal/runtime/supervisor"
	"newsdesk/internal/storage"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/registry"
	"newsdesk/internal/task/scheduler"
	logx "newsdesk/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db      *storage.DB
	records *records.Store
	runs    *monitor.Log
	reg     *registry.Registry
	runner  *collect.Runner

	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	metrics *metrics.Metrics
	ops     *ops.Service

	srcMu   sync.RWMutex
	sources []collect.Source
}

// New loads the config and builds every component. Nothing runs in the
// background until Start; one-shot commands use the accessors directly.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a, err := build(ctx, cfgm, cfg, root, logs)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.log = log
	return a, nil
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, root logx.Logger, logs *logx.Service) (*App, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	colCfg, err := mapCollector(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	jobs, err := mapJobs(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	store, err := records.New(ctx, db,
		records.WithThreshold(cfg.Dedup.TitleThreshold),
		records.WithLogger(root),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     root,
		logs:    logs,
		bus:     eventbus.New(),
		db:      db,
		records: store,
		runs:    monitor.New(db, monitor.WithLogger(root.With(logx.String("comp", "monitor")))),
		reg:     registry.New(),
		metrics: metrics.New(),
		sources: mapSources(cfg),
	}

	fetch := collector.NewFetcher(colCfg, nil)
	a.runner = collect.NewRunner(a.records, a.runs,
		collect.WithCollector(records.KindFeed, feed.New(fetch, cfg.Collector.MaxItems, root)),
		collect.WithCollector(records.KindPage, page.New(fetch, cfg.Collector.MaxItems, root)),
		collect.WithBus(a.bus),
		collect.WithLogger(root.With(logx.String("comp", "collect"))),
	)
	if err := a.runner.RegisterTasks(a.reg, a.Sources); err != nil {
		_ = db.Close()
		return nil, err
	}

	a.engine = engine.New(engCfg, root, a.bus)
	var schedOpts []scheduler.Option
	if cfg.Scheduler.PersistJobs {
		schedOpts = append(schedOpts, scheduler.WithJobStore(scheduler.NewJobStore(db.SQL())))
	}
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, a.reg, root.With(logx.String("comp", "scheduler")), a.bus, schedOpts...)
	if err := a.sched.ReplaceFromConfig(jobs); err != nil {
		// Bad jobs are skipped; the rest still run.
		root.Warn("some configured jobs were rejected", logx.Err(err))
	}

	a.notif = notifier.New(mapNotifier(cfg), nil, root, a.bus)
	a.metrics.WatchEngine(a.engine.Snapshot)
	a.ops = ops.New(opsCfg, ops.Deps{
		Metrics: a.metrics.Handler(),
		Checks: map[string]ops.Checker{
			"db":        a.db.Ping,
			"scheduler": a.checkScheduler,
			"engine":    a.checkEngine,
		},
		Status: func() any { return a.Status() },
	}, root)
	return a, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Records() *records.Store       { return a.records }
func (a *App) Runs() *monitor.Log            { return a.runs }
func (a *App) Registry() *registry.Registry  { return a.reg }
func (a *App) Runner() *collect.Runner       { return a.runner }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Metrics() *metrics.Metrics     { return a.metrics }
func (a *App) Notifier() *notifier.Service   { return a.notif }
func (a *App) Supervisor() *rtsup.Supervisor { return a.sup }
func (a *App) Ops() *ops.Service             { return a.ops }

// Sources returns a copy of the configured sources.
func (a *App) Sources() []collect.Source {
	a.srcMu.RLock()
	defer a.srcMu.RUnlock()
	return append([]collect.Source(nil), a.sources...)
}

func (a *App) setSources(s []collect.Source) {
	a.srcMu.Lock()
	a.sources = s
	a.srcMu.Unlock()
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type Status struct {
	Scheduler   scheduler.Snapshot     `json:"scheduler"`
	Supervisors []rtsup.Stats          `json:"supervisors,omitempty"`
	Alerts      []notifier.HistoryItem `json:"alerts,omitempty"`
}

func (a *App) Status() Status {
	st := Status{Scheduler: a.sched.Snapshot()}
	if a.sup != nil {
		st.Supervisors = a.sup.Snapshot()
	}
	st.Alerts = a.notif.History()
	return st
}

func (a *App) checkScheduler(context.Context) error {
	if a.Config().Scheduler.Enabled && !a.sched.Running() {
		return errors.New("scheduler not running")
	}
	return nil
}

func (a *App) checkEngine(context.Context) error {
	if !a.engine.Snapshot().Running {
		return errors.New("engine not running")
	}
	return nil
}

// staleRunAge is how old a STARTED monitor entry must be before boot
// closes it as interrupted: the longest run bound among the engine default
// and the configured job timeouts, plus a minute. One-shot CLI runs use the
// engine default too. Without any bound it falls back to 6h.
func staleRunAge(eng engine.Config, jobs []scheduler.Job) time.Duration {
	longest := eng.DefaultTimeout
	for _, j := range jobs {
		longest = max(longest, j.Timeout)
	}
	if longest <= 0 {
		return 6 * time.Hour
	}
	return longest + time.Minute
}

// RunTimeout bounds a one-shot run outside the engine; 0 means none.
func (a *App) RunTimeout() time.Duration { return a.engine.Snapshot().DefaultTimeout }

// Start runs the daemon: engine, scheduler, alerts, the ops listener and
// the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.Config()

	if engCfg, err := mapEngine(cfg); err == nil {
		jobs, _ := mapJobs(cfg)
		if _, err := a.runs.CloseStale(c, staleRunAge(engCfg, jobs)); err != nil {
			a.log.Warn("closing interrupted runs failed", logx.Err(err))
		}
	}

	a.cfgm.SetValidator(a.validateReload)

	a.engine.Start(c)
	if cfg.Scheduler.Enabled {
		a.sched.Start(c)
	}
	a.startNotifier(c, cfg)
	if err := a.ops.Start(c); err != nil {
		a.log.Error("ops listener not started", logx.Err(err))
	}

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("events.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdogLoop(c, a.log) })

	sdNotify(a.log, "READY=1")
	a.log.Info("app started",
		logx.Int("sources", len(a.Sources())),
		logx.Int("jobs", len(a.sched.ListJobs())),
		logx.Strings("tasks", a.reg.Names()),
	)
	return nil
}

// startNotifier creates the Telegram sender on first use; a failure
// leaves alerts off without stopping the process.
func (a *App) startNotifier(ctx context.Context, cfg *config.Config) {
	tc := cfg.Notify.Telegram
	if !tc.Enabled {
		return
	}
	tg, err := notifier.NewTelegram(tc.Token)
	if err != nil {
		a.log.Error("telegram alerts disabled", logx.Err(err))
		return
	}
	a.notif.SetSender(tg)
	a.notif.Start(ctx)
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Close releases storage and log sinks without running Stop. For one-shot
// commands that never called Start.
func (a *App) Close() error {
	err := a.db.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Stop shuts components down in dependency order, each step bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1")
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
