package app

import (
	"fmt"
	"strings"
	"time"

	"newsdesk/internal/collect"
	"newsdesk/internal/collector"
	"newsdesk/internal/config"
	"newsdesk/internal/monitor"
	"newsdesk/internal/notifier"
	"newsdesk/internal/observability/ops"
	"newsdesk/internal/records"
	"newsdesk/internal/storage"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/scheduler"
	logx "newsdesk/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "newsdesk.db"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	defTimeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	// Rejected earlier by config.Validate when malformed.
	spread, _ := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		StartupSpread: spread,
	}
}

// mapJobs converts config jobs. Trigger semantics are checked by the
// scheduler when the jobs are added.
func mapJobs(cfg *config.Config) ([]scheduler.Job, error) {
	out := make([]scheduler.Job, 0, len(cfg.Scheduler.Jobs))
	for i, j := range cfg.Scheduler.Jobs {
		path := fmt.Sprintf("scheduler.jobs[%d]", i)
		trig, err := mapTrigger(path+".trigger", j.Trigger)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField(path+".timeout", j.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, scheduler.Job{
			ID:      strings.TrimSpace(j.ID),
			Name:    j.Name,
			Task:    strings.TrimSpace(j.Task),
			Trigger: trig,
			Args:    j.Args,
			Timeout: timeout,
		})
	}
	return out, nil
}

func mapTrigger(path string, t config.TriggerConfig) (scheduler.TriggerSpec, error) {
	spec := scheduler.TriggerSpec{
		Kind:     scheduler.TriggerKind(strings.ToLower(strings.TrimSpace(t.Kind))),
		Weeks:    t.Weeks,
		Days:     t.Days,
		Hours:    t.Hours,
		Minutes:  t.Minutes,
		Seconds:  t.Seconds,
		Expr:     strings.TrimSpace(t.Expr),
		Fields:   t.Fields,
		Timezone: strings.TrimSpace(t.Timezone),
	}
	if every := strings.TrimSpace(t.Every); every != "" {
		d, err := scheduler.ParseEvery(every)
		if err != nil {
			return spec, fmt.Errorf("%s.every: %w", path, err)
		}
		spec.Every = d
	}
	if at := strings.TrimSpace(t.At); at != "" {
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return spec, fmt.Errorf("%s.at: want RFC3339, got %q", path, at)
		}
		spec.At = ts
	}
	return spec, nil
}

func mapSources(cfg *config.Config) []collect.Source {
	out := make([]collect.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		out = append(out, collect.Source{
			Name:            strings.TrimSpace(s.Name),
			URL:             strings.TrimSpace(s.URL),
			Category:        strings.TrimSpace(s.Category),
			Kind:            records.Kind(strings.ToLower(strings.TrimSpace(s.Kind))),
			ArticleSelector: s.ArticleSelector,
			TitleSelector:   s.TitleSelector,
			LinkSelector:    s.LinkSelector,
			ContentSelector: s.ContentSelector,
		})
	}
	return out
}

func mapCollector(cfg *config.Config) (collector.Config, error) {
	timeout, err := config.ParseDurationField("collector.timeout", cfg.Collector.Timeout)
	if err != nil {
		return collector.Config{}, err
	}
	return collector.Config{
		UserAgent:    cfg.Collector.UserAgent,
		Timeout:      timeout,
		RatePerSec:   cfg.Collector.RatePerSec,
		Burst:        cfg.Collector.Burst,
		IgnoreRobots: cfg.Collector.IgnoreRobots,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapNotifier(cfg *config.Config) notifier.Config {
	tc := cfg.Notify.Telegram
	return notifier.Config{
		Enabled:    tc.Enabled,
		ChatID:     tc.ChatID,
		ThreadID:   tc.ThreadID,
		MinStatus:  monitor.Status(strings.ToUpper(strings.TrimSpace(tc.MinStatus))),
		RatePerMin: tc.RatePerMin,
	}
}
