// Package cli is the newsdesk command tree.
//
//	newsdesk run                      start the daemon (scheduler, alerts, ops)
//	newsdesk collect [--source S]     collect once and print the run result
//	newsdesk jobs list | run <id>     inspect or fire configured jobs
//	newsdesk records list             show stored records
//	newsdesk runs list | show <id>    show monitoring log entries
//	newsdesk config check             validate the config file
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"newsdesk/internal/app"
	"newsdesk/internal/collect"
	"newsdesk/internal/config"
	"newsdesk/internal/monitor"
	"newsdesk/internal/records"
)

var Version = "dev"

type options struct {
	configPath string
	asJSON     bool
}

func New() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "newsdesk",
		Short:         "Scheduled news collection with dedup and run monitoring",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "config file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunCommand(opts),
		newCollectCommand(opts),
		newJobsCommand(opts),
		newRecordsCommand(opts),
		newRunsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, opts.configPath)
			if err != nil {
				return err
			}
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}
			var reason app.StopReason
			select {
			case sig := <-sigCh:
				reason = app.StopReasonFromSignal(sig)
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func newCollectCommand(opts *options) *cobra.Command {
	var source, kind, category string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect once from one source or from every configured source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				taskArgs := map[string]string{"kind": kind, "category": category}
				var (
					task string
					srcs []collect.Source
				)
				if source != "" {
					taskArgs["source"] = source
					src, err := collect.ResolveSource(a.Sources(), taskArgs)
					if err != nil {
						return err
					}
					task, srcs = collect.TaskSource+":"+src.Label(), []collect.Source{src}
				} else {
					var err error
					if srcs, err = collect.FilterSources(a.Sources(), taskArgs); err != nil {
						return err
					}
					task = collect.TaskAll
				}
				if d := a.RunTimeout(); d > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, d)
					defer cancel()
				}
				res, err := a.Runner().Run(ctx, task, srcs)
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), res, opts.asJSON); err != nil {
					return err
				}
				if res.Status == monitor.StatusFailed {
					return fmt.Errorf("run %d failed: %s", res.LogID, res.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "configured source name or an http(s) URL")
	cmd.Flags().StringVar(&kind, "kind", "", "feed or page (overrides URL inference)")
	cmd.Flags().StringVar(&category, "category", "", "category filter, or the category for an ad-hoc URL")
	return cmd
}

func printResult(w io.Writer, res collect.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "run %d %s: %s\n", res.LogID, res.Task, res.Status)
	fmt.Fprintf(w, "  sources=%d processed=%d succeeded=%d failed=%d (duplicates=%d errors=%d) took=%s\n",
		res.Sources, res.Processed, res.Succeeded, res.Failed, res.Duplicates, res.Errors, res.Duration.Round(time.Millisecond))
	for _, fs := range res.FailedSources {
		fmt.Fprintf(w, "  source %s failed: %s\n", fs.Source, fs.Reason)
	}
	return nil
}

func newJobsCommand(opts *options) *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect and fire scheduled jobs"}
	jobs.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List jobs with their next run time",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, opts, func(_ context.Context, a *app.App) error {
					list := a.Scheduler().ListJobs()
					if opts.asJSON {
						return writeJSON(cmd.OutOrStdout(), list)
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTASK\tTRIGGER\tNEXT RUN")
					for _, j := range list {
						next := "-"
						if !j.NextRunTime.IsZero() {
							next = j.NextRunTime.Format(time.RFC3339)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Task, j.Trigger.String(), next)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "run <id>",
			Short: "Run a job's task now, in this process",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
					job, err := a.Scheduler().GetJob(args[0])
					if err != nil {
						return err
					}
					task, err := a.Registry().Resolve(job.Task)
					if err != nil {
						return err
					}
					timeout := job.Timeout
					if timeout <= 0 {
						timeout = a.RunTimeout()
					}
					if timeout > 0 {
						var cancel context.CancelFunc
						ctx, cancel = context.WithTimeout(ctx, timeout)
						defer cancel()
					}
					if err := task.Run(ctx, job.Args); err != nil {
						return fmt.Errorf("job %s: %w", job.ID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "job %s finished\n", job.ID)
					return nil
				})
			},
		},
	)
	return jobs
}

func newRecordsCommand(opts *options) *cobra.Command {
	var (
		f     records.Filter
		kind  string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				f.SourceKind = records.Kind(strings.ToLower(kind))
				f.Limit = limit
				recs, err := a.Records().Find(ctx, f)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return writeJSON(cmd.OutOrStdout(), recs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "COLLECTED\tSOURCE\tSTATUS\tTITLE")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.CollectedAt.Format(time.DateTime), r.SourceName, r.Status, truncate(r.Title, 80))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&f.Category, "category", "", "only this category")
	list.Flags().StringVar(&f.SourceName, "source", "", "only this source")
	list.Flags().StringVar(&kind, "kind", "", "feed or page")
	list.Flags().StringVarP(&f.Query, "query", "q", "", "substring match on title, description and content")
	list.Flags().IntVar(&f.Skip, "skip", 0, "records to skip")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records")

	recs := &cobra.Command{Use: "records", Short: "Query the record store"}
	recs.AddCommand(list)
	return recs
}

func newRunsCommand(opts *options) *cobra.Command {
	var (
		q      monitor.Query
		status string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List monitoring log entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if status != "" {
					st, err := monitor.ParseStatus(status)
					if err != nil {
						return err
					}
					q.Status = st
				}
				entries, err := a.Runs().List(ctx, q)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tSTARTED\tTOOK\tOK/FAILED")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d/%d\n",
						e.ID, e.TaskName, e.Status, e.StartTime.Format(time.DateTime),
						e.Duration().Round(time.Millisecond), e.ItemsSucceeded, e.ItemsFailed)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&q.TaskName, "task", "", "only this task name")
	list.Flags().StringVar(&status, "status", "", "STARTED, SUCCESS, PARTIAL_SUCCESS or FAILED")
	list.Flags().IntVarP(&q.Limit, "limit", "n", 20, "maximum entries")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one monitoring log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				e, err := a.Runs().Get(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), e)
			})
		},
	}

	runs := &cobra.Command{Use: "runs", Short: "Query the monitoring log"}
	runs.AddCommand(list, show)
	return runs
}

func newConfigCommand(opts *options) *cobra.Command {
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file without touching storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d sources, %d jobs)\n", opts.configPath, len(cfg.Sources), len(cfg.Scheduler.Jobs))
			return nil
		},
	}
	c := &cobra.Command{Use: "config", Short: "Config file helpers"}
	c.AddCommand(check)
	return c
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

