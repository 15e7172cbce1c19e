// Package page collects candidates from ordinary HTML pages.
//
// With an article selector each matching element becomes one candidate;
// without one the whole page is a single candidate.
package page

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"newsdesk/internal/collect"
	"newsdesk/internal/collector"
	"newsdesk/internal/records"
	logx "newsdesk/pkg/logx"
)

const (
	accept = "text/html, application/xhtml+xml;q=0.9, */*;q=0.8"

	defaultTitleSelector   = "h1, h2, h3, a"
	defaultLinkSelector    = "a[href]"
	defaultContentSelector = "p"
)

type Collector struct {
	fetch    *collector.Fetcher
	maxItems int
	log      logx.Logger
}

func New(f *collector.Fetcher, maxItems int, log logx.Logger) *Collector {
	return &Collector{
		fetch:    f,
		maxItems: maxItems,
		log:      log.With(logx.String("comp", "collector.page")),
	}
}

func (c *Collector) FetchCandidates(ctx context.Context, src collect.Source) ([]records.Record, error) {
	if err := c.fetch.Allowed(ctx, src.URL); err != nil {
		return nil, &collect.CollectorError{Source: src.Label(), URL: src.URL, Err: err}
	}
	body, final, err := c.fetch.Get(ctx, src.URL, accept)
	if err != nil {
		return nil, &collect.CollectorError{Source: src.Label(), URL: src.URL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &collect.CollectorError{Source: src.Label(), URL: src.URL, Err: fmt.Errorf("parse html: %w", err)}
	}

	var out []records.Record
	if strings.TrimSpace(src.ArticleSelector) != "" {
		out = c.articles(doc, final, src)
	} else {
		out = []records.Record{c.whole(doc, final, src)}
	}
	c.log.Debug("page parsed", logx.String("source", src.Label()), logx.Int("items", len(out)))
	return out, nil
}

func (c *Collector) articles(doc *goquery.Document, base *url.URL, src collect.Source) []records.Record {
	titleSel := orDefault(src.TitleSelector, defaultTitleSelector)
	linkSel := orDefault(src.LinkSelector, defaultLinkSelector)
	contentSel := orDefault(src.ContentSelector, defaultContentSelector)

	var out []records.Record
	doc.Find(src.ArticleSelector).EachWithBreak(func(_ int, art *goquery.Selection) bool {
		if c.maxItems > 0 && len(out) >= c.maxItems {
			return false
		}
		title := collector.CollapseSpace(art.Find(titleSel).First().Text())
		link := ""
		if href, ok := art.Find(linkSel).First().Attr("href"); ok {
			link = resolve(base, href)
		} else if href, ok := art.Attr("href"); ok {
			link = resolve(base, href)
		}
		var paras []string
		art.Find(contentSel).Each(func(_ int, p *goquery.Selection) {
			if t := collector.CollapseSpace(p.Text()); t != "" {
				paras = append(paras, t)
			}
		})
		content := strings.Join(paras, "\n")

		rec := c.base(src, link)
		rec.Title = title
		rec.Content = content
		rec.Description = firstOf(paras)
		out = append(out, rec)
		return true
	})
	return out
}

func (c *Collector) whole(doc *goquery.Document, final *url.URL, src collect.Source) records.Record {
	link := src.URL
	if final != nil {
		link = final.String()
	}
	if canon, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && strings.TrimSpace(canon) != "" {
		link = resolve(final, canon)
	}

	rec := c.base(src, link)
	rec.Title = collector.CollapseSpace(doc.Find("title").First().Text())
	if og := meta(doc, `meta[property="og:title"]`); og != "" {
		rec.Title = og
	}
	rec.Description = meta(doc, `meta[name="description"]`)
	if rec.Description == "" {
		rec.Description = meta(doc, `meta[property="og:description"]`)
	}
	rec.Author = meta(doc, `meta[name="author"]`)

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, nav, header, footer").Remove()
	rec.Content = collector.CollapseSpace(body.Text())
	return rec
}

func (c *Collector) base(src collect.Source, link string) records.Record {
	return records.Record{
		ID:         records.DeriveID(link),
		Link:       link,
		SourceName: src.Label(),
		SourceURL:  src.URL,
		SourceKind: records.KindPage,
		Category:   src.Category,
	}
}

func meta(doc *goquery.Document, sel string) string {
	v, _ := doc.Find(sel).First().Attr("content")
	return collector.CollapseSpace(v)
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
