package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const rss = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>Harbour bridge closes for repairs</title><link>https://example.com/bridge</link><category>transport</category></item>
<item><title>Library extends weekend opening hours</title><link>https://example.com/library</link></item>
</channel></rss>`

func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rss))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	body := fmt.Sprintf(`
logging:
  level: error
  console: false
storage:
  path: %s
scheduler:
  enabled: false
  jobs:
    - id: morning
      task: collect.source
      args: { source: city }
      trigger: { kind: cron, fields: { hour: "7", minute: "30" } }
sources:
  - name: city
    url: %s/rss.xml
    category: local
`, filepath.Join(dir, "newsdesk.db"), srv.URL)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "config", "check")
	if err != nil || !strings.Contains(out, "ok (1 sources, 1 jobs)") {
		t.Fatalf("config check: out=%q err=%v", out, err)
	}

	out, err = execute(t, "-c", cfg, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, "morning") || !strings.Contains(out, "collect.source") {
		t.Fatalf("jobs list output: %q", out)
	}

	out, err = execute(t, "-c", cfg, "collect")
	if err != nil {
		t.Fatalf("collect: %v\n%s", err, out)
	}
	if !strings.Contains(out, "SUCCESS") || !strings.Contains(out, "succeeded=2") {
		t.Fatalf("collect output: %q", out)
	}

	// Everything is a duplicate now, so the run fails.
	out, err = execute(t, "-c", cfg, "collect", "--source", "city")
	if err == nil || !strings.Contains(out, "FAILED") {
		t.Fatalf("second collect: out=%q err=%v", out, err)
	}

	out, err = execute(t, "-c", cfg, "records", "list", "-q", "bridge")
	if err != nil || !strings.Contains(out, "Harbour bridge") || strings.Contains(out, "Library") {
		t.Fatalf("records list: out=%q err=%v", out, err)
	}

	out, err = execute(t, "-c", cfg, "runs", "list", "--status", "failed")
	if err != nil || !strings.Contains(out, "collect.source:city") {
		t.Fatalf("runs list: out=%q err=%v", out, err)
	}

	out, err = execute(t, "-c", cfg, "runs", "show", "1")
	if err != nil || !strings.Contains(out, `"task_name": "collect.all"`) {
		t.Fatalf("runs show: out=%q err=%v", out, err)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing config", args: []string{"-c", filepath.Join(t.TempDir(), "nope.yaml"), "config", "check"}},
		{name: "unknown job", args: []string{"-c", cfg, "jobs", "run", "nope"}},
		{name: "bad run id", args: []string{"-c", cfg, "runs", "show", "x"}},
		{name: "bad status", args: []string{"-c", cfg, "runs", "list", "--status", "done"}},
		{name: "bad kind", args: []string{"-c", cfg, "collect", "--kind", "video"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
