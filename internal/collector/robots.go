package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// ErrDisallowed means the host's robots.txt forbids the URL for our agent.
var ErrDisallowed = errors.New("disallowed by robots.txt")

const (
	defaultRobotsTTL = 24 * time.Hour
	maxRobotsBody    = 512 << 10
)

// robots caches parsed robots.txt per scheme+host. A missing, failing or
// unparsable robots.txt allows everything.
type robots struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]robotsEntry
}

type robotsEntry struct {
	group     *robotstxt.Group // nil allows all
	fetchedAt time.Time
}

func newRobots(client *http.Client, userAgent string, ttl time.Duration) *robots {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &robots{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		now:       time.Now,
		hosts:     map[string]robotsEntry{},
	}
}

func (r *robots) lookup(ctx context.Context, u *url.URL) robotsEntry {
	key := strings.ToLower(u.Scheme + "://" + u.Host)
	r.mu.Lock()
	e, ok := r.hosts[key]
	r.mu.Unlock()
	if ok && r.now().Sub(e.fetchedAt) < r.ttl {
		return e
	}

	e = robotsEntry{fetchedAt: r.now()}
	if data, err := r.fetch(ctx, key+"/robots.txt"); err == nil {
		e.group = data.FindGroup(r.userAgent)
	}
	r.mu.Lock()
	r.hosts[key] = e
	r.mu.Unlock()
	return e
}

func (r *robots) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("robots.txt: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, err
	}
	return robotstxt.FromBytes(body)
}

// Allowed checks rawURL against the host's robots.txt and returns an
// ErrDisallowed-wrapping error when it is forbidden. A Crawl-delay slower
// than the configured rate tightens that host's limiter. It is a no-op
// when the fetcher was built with IgnoreRobots.
func (f *Fetcher) Allowed(ctx context.Context, rawURL string) error {
	if f.robots == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	e := f.robots.lookup(ctx, u)
	if e.group == nil {
		return nil
	}
	if d := e.group.CrawlDelay; d > 0 {
		l := f.limiter(u.Host)
		if every := rate.Every(d); every < l.Limit() {
			l.SetLimit(every)
		}
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if path == "" {
		path = "/"
	}
	if !e.group.Test(path) {
		return fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
	}
	return nil
}
