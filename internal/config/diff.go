package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsdesk/pkg/logx"
)

// Change summarizes what differs between two configs. Attrs are safe to log
// (tokens are reported only as *_set booleans).
type Change struct {
	Sections []string
	Attrs    []logx.Field

	// Jobs lists job ids added, removed or modified.
	Jobs []string
	// Sources lists source names added, removed or modified.
	Sources []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Applied on restart only.
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs, logx.Bool("storage.path_changed", strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path)))
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.PersistJobs != newCfg.Scheduler.PersistJobs ||
		strings.TrimSpace(oldCfg.Scheduler.StartupSpread) != strings.TrimSpace(newCfg.Scheduler.StartupSpread) {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	ch.Jobs = diffJobs(oldCfg.Scheduler.Jobs, newCfg.Scheduler.Jobs)
	if len(ch.Jobs) > 0 {
		ch.Sections = append(ch.Sections, "jobs")
		ch.Attrs = append(ch.Attrs,
			logx.Int("jobs.changed_count", len(ch.Jobs)),
			logx.Int("jobs.total", len(newCfg.Scheduler.Jobs)),
		)
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		ch.Sections = append(ch.Sections, "task_engine")
		ch.Attrs = append(ch.Attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
		)
	}

	if oldCfg.Dedup != newCfg.Dedup {
		ch.Sections = append(ch.Sections, "dedup")
		ch.Attrs = append(ch.Attrs, logx.Float64("dedup.title_threshold", newCfg.Dedup.TitleThreshold))
	}

	if oldCfg.Collector != newCfg.Collector {
		ch.Sections = append(ch.Sections, "collector")
		ch.Attrs = append(ch.Attrs,
			logx.String("collector.timeout", newCfg.Collector.Timeout),
			logx.Float64("collector.rate_per_sec", newCfg.Collector.RatePerSec),
		)
	}

	ch.Sources = diffSources(oldCfg.Sources, newCfg.Sources)
	if len(ch.Sources) > 0 {
		ch.Sections = append(ch.Sections, "sources")
		ch.Attrs = append(ch.Attrs,
			logx.Int("sources.changed_count", len(ch.Sources)),
			logx.Int("sources.total", len(newCfg.Sources)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		ch.Sections = append(ch.Sections, "ops")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		ch.Sections = append(ch.Sections, "notify")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("notify.telegram.enabled", newCfg.Notify.Telegram.Enabled),
			logx.Bool("notify.telegram.token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
			logx.String("notify.telegram.min_status", newCfg.Notify.Telegram.MinStatus),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJ))
	for _, j := range oldJ {
		oldM[j.ID] = j
	}
	newM := make(map[string]JobConfig, len(newJ))
	for _, j := range newJ {
		newM[j.ID] = j
	}
	return diffKeys(oldM, newM)
}

func diffSources(oldS, newS []SourceConfig) []string {
	oldM := make(map[string]SourceConfig, len(oldS))
	for _, s := range oldS {
		oldM[s.Name] = s
	}
	newM := make(map[string]SourceConfig, len(newS))
	for _, s := range newS {
		newM[s.Name] = s
	}
	return diffKeys(oldM, newM)
}

func diffKeys[V any](oldM, newM map[string]V) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		o, oOK := oldM[k]
		n, nOK := newM[k]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
