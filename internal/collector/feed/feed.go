// Package feed collects candidates from RSS, Atom and JSON feeds.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"newsdesk/internal/collect"
	"newsdesk/internal/collector"
	"newsdesk/internal/records"
	logx "newsdesk/pkg/logx"
)

const accept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"

type Collector struct {
	fetch    *collector.Fetcher
	maxItems int
	log      logx.Logger
}

// New returns a feed collector. maxItems <= 0 keeps every entry.
func New(f *collector.Fetcher, maxItems int, log logx.Logger) *Collector {
	return &Collector{
		fetch:    f,
		maxItems: maxItems,
		log:      log.With(logx.String("comp", "collector.feed")),
	}
}

func (c *Collector) FetchCandidates(ctx context.Context, src collect.Source) ([]records.Record, error) {
	body, _, err := c.fetch.Get(ctx, src.URL, accept)
	if err != nil {
		return nil, &collect.CollectorError{Source: src.Label(), URL: src.URL, Err: err}
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &collect.CollectorError{Source: src.Label(), URL: src.URL, Err: fmt.Errorf("parse feed: %w", err)}
	}

	items := parsed.Items
	if c.maxItems > 0 && len(items) > c.maxItems {
		items = items[:c.maxItems]
	}
	out := make([]records.Record, 0, len(items))
	for _, it := range items {
		out = append(out, c.toRecord(src, it))
	}
	c.log.Debug("feed parsed", logx.String("source", src.Label()), logx.String("feed_type", parsed.FeedType), logx.Int("items", len(out)))
	return out, nil
}

func (c *Collector) toRecord(src collect.Source, it *gofeed.Item) records.Record {
	link := itemLink(it)
	rec := records.Record{
		ID:          records.DeriveID(link),
		Title:       collector.CollapseSpace(it.Title),
		Link:        link,
		SourceName:  src.Label(),
		SourceURL:   src.URL,
		SourceKind:  records.KindFeed,
		Category:    src.Category,
		Description: collector.CleanHTML(it.Description),
		Content:     collector.CleanHTML(it.Content),
		Author:      itemAuthor(it),
		PublishedAt: itemPublished(it),
		Tags:        itemTags(it),
	}
	if rec.Content == "" {
		rec.Content = rec.Description
	}
	return rec
}

// itemLink prefers Link and falls back to a GUID that looks like a URL.
func itemLink(it *gofeed.Item) string {
	if l := strings.TrimSpace(it.Link); l != "" {
		return l
	}
	if g := strings.TrimSpace(it.GUID); strings.HasPrefix(g, "http") {
		return g
	}
	return ""
}

func itemAuthor(it *gofeed.Item) string {
	if it.Author != nil && it.Author.Name != "" {
		return it.Author.Name
	}
	for _, a := range it.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func itemPublished(it *gofeed.Item) *time.Time {
	for _, t := range []*time.Time{it.PublishedParsed, it.UpdatedParsed} {
		if t != nil && !t.IsZero() {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// itemTags returns the distinct categories, sorted.
func itemTags(it *gofeed.Item) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range it.Categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
