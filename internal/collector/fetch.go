// Package collector holds the HTTP plumbing shared by the feed and page
// collectors: one client, a configurable User-Agent and a per-host rate
// limit.
package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"newsdesk/internal/collect"
)

const (
	DefaultUserAgent = "newsdesk/1.0 (+https://github.com/newsdesk)"
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 10 << 20
)

type Config struct {
	UserAgent string
	Timeout   time.Duration
	// RatePerSec limits requests per host; <= 0 disables limiting.
	RatePerSec float64
	Burst      int
	MaxBody    int64
	// IgnoreRobots skips robots.txt checks in Allowed.
	IgnoreRobots bool
	// RobotsTTL is how long a host's robots.txt is cached. Default 24h.
	RobotsTTL time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxBody <= 0 {
		c.MaxBody = defaultMaxBody
	}
	return c
}

type Fetcher struct {
	client *http.Client
	cfg    Config
	robots *robots

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher uses client when non-nil, else a client with cfg.Timeout.
func NewFetcher(cfg Config, client *http.Client) *Fetcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	f := &Fetcher{client: client, cfg: cfg, limiters: map[string]*rate.Limiter{}}
	if !cfg.IgnoreRobots {
		f.robots = newRobots(client, cfg.UserAgent, cfg.RobotsTTL)
	}
	return f
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.limiters[host]
	if l == nil {
		lim := rate.Inf
		if f.cfg.RatePerSec > 0 {
			lim = rate.Limit(f.cfg.RatePerSec)
		}
		l = rate.NewLimiter(lim, f.cfg.Burst)
		f.limiters[host] = l
	}
	return l
}

// Get fetches rawURL and returns the body (capped at MaxBody) and the final
// URL after redirects. A non-2xx status is a *collect.HTTPError.
func (f *Fetcher) Get(ctx context.Context, rawURL, accept string) ([]byte, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, &collect.HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return body, resp.Request.URL, nil
}

var reSpaces = regexp.MustCompile(`\s+`)

var reSpacePunct = regexp.MustCompile(`\s+([.,!?])`)

// CleanHTML returns the text of an HTML fragment with whitespace collapsed
// and no space before . , ! ?
func CleanHTML(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return CollapseSpace(fragment)
	}
	var parts []string
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return CollapseSpace(strings.Join(parts, " "))
}

func CollapseSpace(s string) string {
	s = reSpaces.ReplaceAllString(s, " ")
	s = reSpacePunct.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
