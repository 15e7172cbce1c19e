package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"newsdesk/internal/collect"
)

func TestFetcherGet(t *testing.T) {
	t.Parallel()

	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			gotUA = r.Header.Get("User-Agent")
			gotAccept = r.Header.Get("Accept")
			_, _ = w.Write([]byte("0123456789"))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(Config{MaxBody: 4}, srv.Client())
	body, final, err := f.Get(context.Background(), srv.URL+"/moved", "text/plain")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "0123" {
		t.Fatalf("body not capped: %q", body)
	}
	if final.Path != "/final" {
		t.Fatalf("final url=%s", final)
	}
	if gotUA != DefaultUserAgent || gotAccept != "text/plain" {
		t.Fatalf("headers ua=%q accept=%q", gotUA, gotAccept)
	}

	_, _, err = f.Get(context.Background(), srv.URL+"/busy", "")
	var he *collect.HTTPError
	if !errors.As(err, &he) || !he.Retryable() {
		t.Fatalf("want retryable HTTPError, got %v", err)
	}
	_, _, err = f.Get(context.Background(), srv.URL+"/nope", "")
	if !errors.As(err, &he) || he.Retryable() {
		t.Fatalf("404 must not be retryable, got %v", err)
	}
}

func TestFetcherRateLimitHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(Config{RatePerSec: 0.001, Burst: 1}, srv.Client())
	if _, _, err := f.Get(context.Background(), srv.URL, ""); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := f.Get(ctx, srv.URL, ""); err == nil {
		t.Fatalf("second Get should wait on the limiter and fail with the context")
	}
}

func TestCleanHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain   text", "plain text"},
		{"<p>Hello <b>world</b> !</p>", "Hello world!"},
		{"<p>One.</p><p>Two ,three</p>", "One. Two,three"},
		{"text &amp; more", "text & more"},
	}
	for _, tt := range tests {
		if got := CleanHTML(tt.in); got != tt.want {
			t.Fatalf("CleanHTML(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllowedCachesRobotsAndAppliesCrawlDelay(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nCrawl-delay: 2\nDisallow: /drafts\n"))
	}))
	defer srv.Close()

	f := NewFetcher(Config{RatePerSec: 10}, srv.Client())
	ctx := context.Background()
	if err := f.Allowed(ctx, srv.URL+"/news?page=2"); err != nil {
		t.Fatalf("news: %v", err)
	}
	if err := f.Allowed(ctx, srv.URL+"/drafts/1"); !errors.Is(err, ErrDisallowed) {
		t.Fatalf("drafts: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", n)
	}
	u, _ := url.Parse(srv.URL)
	if got, want := f.limiter(u.Host).Limit(), rate.Every(2*time.Second); got != want {
		t.Fatalf("limit=%v want %v", got, want)
	}
}
