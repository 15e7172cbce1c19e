package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate performs static checks that do not need the task registry.
// Trigger semantics are checked later by the scheduler.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if th := cfg.Dedup.TitleThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("dedup.title_threshold: must be within [0,1], got %v", th))
	}
	if _, err := ParseDurationField("collector.timeout", cfg.Collector.Timeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.TaskEngine != nil {
		if _, err := ParseDurationField("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}

	names := map[string]struct{}{}
	for i, s := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := names[strings.ToLower(name)]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		} else {
			names[strings.ToLower(name)] = struct{}{}
		}
		u, err := url.Parse(strings.TrimSpace(s.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url: must be an absolute http(s) URL, got %q", path, s.URL))
		}
		switch strings.ToLower(strings.TrimSpace(s.Kind)) {
		case "", "feed", "page":
		default:
			errs = append(errs, fmt.Errorf("%s.kind: unknown %q (want feed or page)", path, s.Kind))
		}
	}

	ids := map[string]struct{}{}
	for i, j := range cfg.Scheduler.Jobs {
		path := fmt.Sprintf("scheduler.jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id: required", path))
		} else if _, dup := ids[id]; dup {
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", path, id))
		} else {
			ids[id] = struct{}{}
		}
		if strings.TrimSpace(j.Task) == "" {
			errs = append(errs, fmt.Errorf("%s.task: required", path))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token: required when enabled"))
		}
		if cfg.Notify.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required when enabled"))
		}
		switch strings.ToUpper(strings.TrimSpace(cfg.Notify.Telegram.MinStatus)) {
		case "", "FAILED", "PARTIAL_SUCCESS":
		default:
			errs = append(errs, fmt.Errorf("notify.telegram.min_status: unknown %q", cfg.Notify.Telegram.MinStatus))
		}
	}

	return errors.Join(errs...)
}
