package page

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"newsdesk/internal/collect"
	"newsdesk/internal/collector"
	"newsdesk/internal/records"
	logx "newsdesk/pkg/logx"
)

const listing = `<html><head><title>Local news</title></head><body>
<div class="story">
  <h2>Harbour ferry timetable changes</h2>
  <a href="/news/ferry">Read more</a>
  <p>From   Monday the first ferry leaves at six .</p>
  <p>Weekend services are unchanged.</p>
</div>
<div class="story">
  <h2>Library extends opening hours</h2>
  <a href="https://other.example.org/library">Read more</a>
  <p>Open until nine.</p>
</div>
<div class="story">
  <h2>Third story</h2>
</div>
</body></html>`

const article = `<html><head>
<title>Plain title</title>
<meta property="og:title" content="Bridge repairs finish early">
<meta name="description" content="Repairs wrapped up two weeks ahead of schedule.">
<meta name="author" content="Jo Reporter">
<link rel="canonical" href="/2026/bridge">
</head><body>
<nav>Home | News</nav>
<script>var x = 1;</script>
<p>The bridge reopened on Tuesday.</p>
</body></html>`

func serve(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestArticleSelector(t *testing.T) {
	t.Parallel()

	srv := serve(t, map[string]string{"/news": listing})
	c := New(collector.NewFetcher(collector.Config{}, srv.Client()), 2, logx.Nop())

	recs, err := c.FetchCandidates(context.Background(), collect.Source{
		Name:            "local",
		URL:             srv.URL + "/news",
		Kind:            records.KindPage,
		ArticleSelector: "div.story",
		TitleSelector:   "h2",
	})
	if err != nil {
		t.Fatalf("FetchCandidates: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("maxItems not applied: %d", len(recs))
	}
	if recs[0].Title != "Harbour ferry timetable changes" {
		t.Fatalf("title=%q", recs[0].Title)
	}
	if recs[0].Link != srv.URL+"/news/ferry" {
		t.Fatalf("relative link not resolved: %q", recs[0].Link)
	}
	if recs[0].ID != records.DeriveID(srv.URL+"/news/ferry") {
		t.Fatalf("id not derived from link")
	}
	if recs[0].Content != "From Monday the first ferry leaves at six.\nWeekend services are unchanged." {
		t.Fatalf("content=%q", recs[0].Content)
	}
	if recs[0].Description != "From Monday the first ferry leaves at six." {
		t.Fatalf("description=%q", recs[0].Description)
	}
	if recs[1].Link != "https://other.example.org/library" {
		t.Fatalf("absolute link changed: %q", recs[1].Link)
	}
	if recs[1].SourceKind != records.KindPage || recs[1].SourceName != "local" {
		t.Fatalf("source fields=%+v", recs[1])
	}
}

func TestWholePage(t *testing.T) {
	t.Parallel()

	srv := serve(t, map[string]string{"/a": article})
	c := New(collector.NewFetcher(collector.Config{}, srv.Client()), 0, logx.Nop())

	recs, err := c.FetchCandidates(context.Background(), collect.Source{Name: "site", URL: srv.URL + "/a"})
	if err != nil {
		t.Fatalf("FetchCandidates: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("want one record, got %d", len(recs))
	}
	r := recs[0]
	if r.Title != "Bridge repairs finish early" {
		t.Fatalf("og:title not preferred: %q", r.Title)
	}
	if r.Description != "Repairs wrapped up two weeks ahead of schedule." || r.Author != "Jo Reporter" {
		t.Fatalf("meta fields: %+v", r)
	}
	if r.Link != srv.URL+"/2026/bridge" {
		t.Fatalf("canonical link=%q", r.Link)
	}
	if r.Content != "The bridge reopened on Tuesday." {
		t.Fatalf("content=%q", r.Content)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	srv := serve(t, nil)
	c := New(collector.NewFetcher(collector.Config{}, srv.Client()), 0, logx.Nop())
	_, err := c.FetchCandidates(context.Background(), collect.Source{Name: "gone", URL: srv.URL + "/missing"})
	var he *collect.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 HTTPError, got %v", err)
	}
	if !strings.Contains(err.Error(), "gone") {
		t.Fatalf("error should name the source: %v", err)
	}
}

func TestRobotsDisallow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		robots  string
		path    string
		ignore  bool
		blocked bool
	}{
		{name: "disallow all", robots: "User-agent: *\nDisallow: /\n", path: "/news", blocked: true},
		{name: "disallow prefix", robots: "User-agent: *\nDisallow: /private\n", path: "/private/a", blocked: true},
		{name: "other prefix allowed", robots: "User-agent: *\nDisallow: /private\n", path: "/news"},
		{name: "other agent only", robots: "User-agent: somebot\nDisallow: /\n", path: "/news"},
		{name: "ignored", robots: "User-agent: *\nDisallow: /\n", path: "/news", ignore: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serve(t, map[string]string{
				"/robots.txt": tt.robots,
				"/news":       article,
				"/private/a":  article,
			})
			f := collector.NewFetcher(collector.Config{IgnoreRobots: tt.ignore}, srv.Client())
			c := New(f, 0, logx.Nop())

			recs, err := c.FetchCandidates(context.Background(), collect.Source{Name: "site", URL: srv.URL + tt.path, Kind: records.KindPage})
			if !tt.blocked {
				if err != nil || len(recs) != 1 {
					t.Fatalf("recs=%d err=%v", len(recs), err)
				}
				return
			}
			var ce *collect.CollectorError
			if !errors.As(err, &ce) || !errors.Is(err, collector.ErrDisallowed) {
				t.Fatalf("want CollectorError wrapping ErrDisallowed, got %v", err)
			}
			if ce.Retryable() {
				t.Fatalf("robots refusal must not be retryable")
			}
		})
	}
}
