package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsdesk/internal/config"
	logx "newsdesk/pkg/logx"
)

// validateReload runs before a reloaded config is committed. Static checks
// already passed; this adds what needs the live registry.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	var errs []error
	for _, j := range jobs {
		if err := j.Trigger.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", j.ID, err))
		}
		// Args are checked on apply, once the new sources are live.
		if _, err := a.reg.Resolve(j.Task); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, "RELOADING=1")
	defer sdNotify(a.log, "READY=1")

	for _, s := range []string{"storage", "collector", "dedup"} {
		if ch.Has(s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Has("sources") {
		a.setSources(mapSources(next))
	}
	if ch.Has("task_engine") {
		if engCfg, err := mapEngine(next); err == nil {
			a.engine.Apply(ctx, engCfg)
		}
	}
	if ch.Has("scheduler") {
		a.sched.Apply(mapScheduler(next))
		switch {
		case next.Scheduler.Enabled && !a.sched.Running():
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		case !next.Scheduler.Enabled && a.sched.Running():
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		}
	}
	// Source changes can invalidate collect.source args, so jobs are
	// re-applied after them.
	if ch.Has("jobs") || ch.Has("sources") {
		if jobs, err := mapJobs(next); err == nil {
			if err := a.sched.ReplaceFromConfig(jobs); err != nil {
				a.log.Warn("some configured jobs were rejected", logx.Err(err))
			}
		}
	}
	if ch.Has("notify") {
		a.notif.Apply(mapNotifier(next))
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.startNotifier(ctx, next)
	}
	if ch.Has("ops") {
		if opsCfg, err := mapOps(next); err == nil {
			if err := a.ops.Reconfigure(ctx, opsCfg); err != nil {
				a.log.Error("ops reconfigure failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}
