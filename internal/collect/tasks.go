package collect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"newsdesk/internal/records"
	"newsdesk/internal/task/registry"
)

const (
	TaskSource = "collect.source"
	TaskAll    = "collect.all"
)

// SourceLister returns the currently configured sources. It is called on
// every run so config reloads apply without re-registering tasks.
type SourceLister func() []Source

// RegisterTasks binds the collection tasks into reg.
//
//	collect.source  args: source (configured name or http(s) URL), kind, category
//	collect.all     args: kind, category (optional filters)
func (r *Runner) RegisterTasks(reg *registry.Registry, list SourceLister) error {
	return errors.Join(
		reg.Register(registry.Task{
			Name:        TaskSource,
			Description: "collect one source",
			Validate: func(args map[string]string) error {
				_, err := ResolveSource(list(), args)
				return err
			},
			Run: func(ctx context.Context, args map[string]string) error {
				src, err := ResolveSource(list(), args)
				if err != nil {
					return err
				}
				_, err = r.Run(ctx, TaskSource+":"+src.Label(), []Source{src})
				return err
			},
		}),
		reg.Register(registry.Task{
			Name:        TaskAll,
			Description: "collect every configured source",
			Validate: func(args map[string]string) error {
				_, err := parseKindArg(args)
				return err
			},
			Run: func(ctx context.Context, args map[string]string) error {
				srcs, err := FilterSources(list(), args)
				if err != nil {
					return err
				}
				_, err = r.Run(ctx, TaskAll, srcs)
				return err
			},
		}),
	)
}

// ResolveSource turns collect.source args into a Source. A configured name
// wins over URL parsing; kind and category args override the config.
func ResolveSource(sources []Source, args map[string]string) (Source, error) {
	ref := strings.TrimSpace(args["source"])
	if ref == "" {
		return Source{}, errors.New("source required")
	}
	kind, err := parseKindArg(args)
	if err != nil {
		return Source{}, err
	}

	var src Source
	found := false
	for _, s := range sources {
		if s.Name == ref {
			src, found = s, true
			break
		}
	}
	if !found {
		u, err := url.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Source{}, fmt.Errorf("source %q is neither a configured name nor an http(s) URL", ref)
		}
		src = Source{Name: u.Host, URL: ref}
	}
	if kind != "" {
		src.Kind = kind
	}
	if c := strings.TrimSpace(args["category"]); c != "" {
		src.Category = c
	}
	return src, nil
}

// FilterSources applies the optional kind and category filters.
func FilterSources(sources []Source, args map[string]string) ([]Source, error) {
	kind, err := parseKindArg(args)
	if err != nil {
		return nil, err
	}
	cat := strings.TrimSpace(args["category"])
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if kind != "" && Classify(s) != kind {
			continue
		}
		if cat != "" && !strings.EqualFold(s.Category, cat) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func parseKindArg(args map[string]string) (records.Kind, error) {
	k := records.Kind(strings.ToLower(strings.TrimSpace(args["kind"])))
	switch k {
	case "", records.KindFeed, records.KindPage:
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q (want feed or page)", args["kind"])
}
