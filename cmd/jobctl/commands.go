package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
	"github.com/kiranshivaraju/jobqueue/internal/engine"
	"github.com/kiranshivaraju/jobqueue/internal/events"
	"github.com/kiranshivaraju/jobqueue/internal/jobs"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/internal/store"
)

// env is what every subcommand works against. It is built once per
// invocation by an opener.
type env struct {
	cfg     *config.Config
	store   store.Store
	service *jobs.Service
	logger  *slog.Logger
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

type opener func(ctx context.Context) (*env, error)

// defaultOpener loads config from the environment and opens the configured
// store. With REDIS_URL set, submissions also wake running servers.
func defaultOpener(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e := &env{cfg: cfg, store: st, logger: slog.Default(), closers: []func() error{st.Close}}

	var opts []jobs.Option
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		e.closers = append(e.closers, rc.Close)
		opts = append(opts, jobs.WithNotifiers(rc), jobs.WithPublisher(rc), jobs.WithStatusCache(rc))
	}
	e.service = jobs.NewService(st, cfg.Worker.DefaultMaxAttempts, e.logger, opts...)
	return e, nil
}

func newRootCmd(open opener) *cobra.Command {
	var e *env

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and operate the job queue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			e, err = open(cmd.Context())
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e != nil {
				e.Close()
			}
		},
	}
	get := func() *env { return e }

	root.AddCommand(
		submitCmd(get),
		getCmd(get),
		listCmd(get),
		statsCmd(get),
		reapCmd(get),
		watchCmd(get),
	)
	return root
}

func submitCmd(get func() *env) *cobra.Command {
	var (
		id          string
		payload     string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "submit <job-type>",
		Short: "Submit a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := get().service.Submit(cmd.Context(), jobs.SubmitParams{
				ID:          id,
				Type:        args[0],
				Payload:     json.RawMessage(payload),
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": job.ID, "status": job.Status})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Job id (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts (default from DEFAULT_MAX_ATTEMPTS)")
	return cmd
}

func getCmd(get func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := get().service.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %q not found", args[0])
				}
				return fmt.Errorf("get job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func listCmd(get func() *env) *cobra.Command {
	var filter store.JobFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, total, err := get().service.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tTYPE\tSTATUS\tATTEMPTS\tRUN AT")
			for _, j := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts, j.RunAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d jobs\n", len(list), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Filter by job type")
	cmd.Flags().IntVar(&filter.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Page size (max 100)")
	return cmd
}

func statsCmd(get func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := get().service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func reapCmd(get func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Reclaim jobs whose claim expired, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := get()
			w := e.cfg.Worker
			policy := retry.NewPolicy(w.BackoffBase, w.BackoffMax, w.BackoffJitter)

			reclaimed, err := engine.NewReaper(e.store, policy, w.ReaperInterval, e.logger).Sweep(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, j := range reclaimed {
				fmt.Fprintf(out, "%s\t%s\tattempt %d/%d\n", j.ID, j.Status, j.Attempts, j.MaxAttempts)
			}
			fmt.Fprintf(out, "reclaimed %d jobs\n", len(reclaimed))
			return nil
		},
	}
}

func watchCmd(get func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream job lifecycle events from NATS until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := get().cfg.NATS.URL
			if url == "" {
				return errors.New("NATS_URL is required for watch")
			}
			pub, err := events.ConnectNATS(url)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer pub.Close()

			out := cmd.OutOrStdout()
			return pub.Watch(cmd.Context(), func(ev events.Event) {
				line, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(line))
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
