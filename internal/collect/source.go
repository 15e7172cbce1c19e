// Package collect runs one ingestion pass: it classifies each source,
// fetches candidates through the matching Collector, saves them into the
// record store and closes a monitoring log entry with the aggregate result.
package collect

import (
	"context"
	"net/url"
	"strings"

	"newsdesk/internal/records"
)

// Source is one place candidates are collected from.
type Source struct {
	Name     string
	URL      string
	Category string
	// Kind overrides URL-based classification when set.
	Kind records.Kind

	// CSS selectors for page sources.
	ArticleSelector string
	TitleSelector   string
	LinkSelector    string
	ContentSelector string
}

// Label names the source in logs and details.
func (s Source) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

// Collector fetches candidate records for one source. Implementations
// return records in source order and leave dedup to the store.
type Collector interface {
	FetchCandidates(ctx context.Context, src Source) ([]records.Record, error)
}

// Evaluator scores a candidate before it is saved.
type Evaluator interface {
	Evaluate(ctx context.Context, rec records.Record) (float64, error)
}

var feedSegments = map[string]bool{"feed": true, "rss": true, "atom": true}

// Classify picks the collector kind for src. An explicit Kind wins;
// otherwise a URL whose path ends in .xml/.rss/.atom/.rdf, has a feed, rss
// or atom path segment, or carries format=rss|atom is a feed. Everything
// else is a page.
func Classify(src Source) records.Kind {
	switch k := records.Kind(strings.ToLower(strings.TrimSpace(string(src.Kind)))); k {
	case records.KindFeed, records.KindPage:
		return k
	}
	u, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil {
		return records.KindPage
	}
	p := strings.ToLower(u.Path)
	for _, ext := range []string{".xml", ".rss", ".atom", ".rdf"} {
		if strings.HasSuffix(p, ext) {
			return records.KindFeed
		}
	}
	for _, seg := range strings.Split(p, "/") {
		if feedSegments[seg] {
			return records.KindFeed
		}
	}
	switch strings.ToLower(u.Query().Get("format")) {
	case "rss", "atom":
		return records.KindFeed
	}
	return records.KindPage
}
