package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: { enabled: false, path: "" }
storage:
  path: ./data/newsdesk.db
scheduler:
  enabled: true
  timezone: UTC
  jobs:
    - id: feeds
      task: collect.all
      trigger: { kind: interval, minutes: 30 }
      args: { kind: feed }
dedup:
  title_threshold: 0.9
collector:
  timeout: 15s
sources:
  - name: example
    url: https://example.com/rss.xml
    category: world
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Trigger.Minutes != 30 {
		t.Fatalf("jobs not decoded: %+v", cfg.Scheduler.Jobs)
	}
	if cfg.Scheduler.Jobs[0].Args["kind"] != "feed" {
		t.Fatalf("job args not decoded: %+v", cfg.Scheduler.Jobs[0].Args)
	}
	if cfg.Dedup.TitleThreshold != 0.9 {
		t.Fatalf("threshold=%v", cfg.Dedup.TitleThreshold)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad url", func(c *Config) { c.Sources[0].URL = "ftp://x" }, "sources[0].url"},
		{"dup source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }, "duplicate"},
		{"bad kind", func(c *Config) { c.Sources[0].Kind = "api" }, "sources[0].kind"},
		{"threshold", func(c *Config) { c.Dedup.TitleThreshold = 1.5 }, "title_threshold"},
		{"tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"job id", func(c *Config) { c.Scheduler.Jobs[0].ID = "" }, "scheduler.jobs[0].id"},
		{"job timeout", func(c *Config) { c.Scheduler.Jobs[0].Timeout = "soon" }, "timeout"},
		{"telegram", func(c *Config) { c.Notify.Telegram.Enabled = true }, "notify.telegram.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.mutate(cfg)
			err = Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := SummarizeConfigChange(a, b); len(ch.Sections) != 0 {
		t.Fatalf("identical configs reported changes: %v", ch.Sections)
	}

	b.Logging.Level = "info"
	b.Scheduler.Jobs[0].Trigger.Minutes = 10
	b.Sources = append(b.Sources, SourceConfig{Name: "second", URL: "https://example.org/"})
	ch := SummarizeConfigChange(a, b)
	for _, s := range []string{"logging", "jobs", "sources"} {
		if !ch.Has(s) {
			t.Fatalf("missing section %q in %v", s, ch.Sections)
		}
	}
	if len(ch.Jobs) != 1 || ch.Jobs[0] != "feeds" {
		t.Fatalf("jobs=%v", ch.Jobs)
	}
	if len(ch.Sources) != 1 || ch.Sources[0] != "second" {
		t.Fatalf("sources=%v", ch.Sources)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	cancel()
	<-done
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "-1m", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("f", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("%q: got %v want %v", tt.raw, got, tt.want)
		}
	}

	d, err := ParseDurationOrDefault("f", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		data string
		want format
	}{
		{path: "c.yml", data: "{}", want: formatYAML},
		{path: "c.json", data: "logging: {}", want: formatJSON},
		{path: "newsdesk.conf", data: "\n  {\"sources\": []}", want: formatJSON},
		{path: "newsdesk.conf", data: "sources: []", want: formatYAML},
	}
	for _, tt := range tests {
		if got := detectFormat(tt.path, []byte(tt.data)); got != tt.want {
			t.Fatalf("%s %q: got %s want %s", tt.path, tt.data, got, tt.want)
		}
	}

	if _, err := Decode("empty.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}
