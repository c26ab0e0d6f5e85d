package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/discovery"
	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/session"
)

func resumeCmd() *cobra.Command {
	var (
		workers    int
		checkInput bool
		noMerge    bool
		dryRun     bool
		quiet      bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "resume [session-id|latest]",
		Short: "Resume an interrupted session",
		Long: `Reconcile a session's checkpoint with the shard outputs on disk and run
whatever is left.

Shards whose output holds every record are marked completed without being
re-run. Failed, crashed and interrupted shards run again on the item lists
stored in the checkpoint. Resuming a completed session does nothing.

Examples:
  litbatch resume                 # newest session
  litbatch resume 01J9Z... -w 2
  litbatch resume latest --check-input`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if output != "" {
				cfg.Output.Path = output
			}
			store := openStore()
			sess := loadSession(store, args)
			out := render.NewSessions(render.Stdout())

			opts := orchestrator.ResumeOptions{}
			if checkInput {
				opts.CurrentDigest = currentDigest(out, sess)
			}

			concurrency := workers
			if concurrency <= 0 {
				concurrency = sess.WorkerCount
			}
			pool := newPool(store, workerFunc(dryRun), concurrency)
			resumer := orchestrator.NewResumer(store, pool)

			plan, err := resumer.Reconcile(sess.ID, opts)
			exitOnError("reconcile_failed", err)

			if plan.InputDrift {
				out.Warn("input set changed since the session started; shards keep their original items")
			}
			if len(plan.Promoted) > 0 {
				out.Println("Recovered %d shards from existing output: %v", len(plan.Promoted), plan.Promoted)
			}
			if len(plan.Pending) == 0 {
				out.Println("Nothing to run for %s (%s)", plan.Session.ID, plan.Session.Status)
			} else {
				out.Println("Resuming %s: %d shards to run, %d workers", plan.Session.ID, len(plan.Pending), concurrency)
			}

			stopMetrics := startMetrics()
			defer stopMetrics()

			ctx, stop := signalContext()
			defer stop()

			hist := openHistory()
			if hist != nil {
				defer hist.Close()
			}
			if hist != nil && len(plan.Pending) > 0 {
				if err := hist.RecordRun(context.WithoutCancel(ctx), history.RunFromSession(plan.Session, "resume")); err != nil {
					cliLog.WithSession(plan.Session.ID).Warn("history_write_failed", nil, err)
				}
			}

			final, err := observe(ctx, pool, hist, quiet, len(plan.Pending), func() (*session.Session, error) {
				return resumer.Run(ctx, plan)
			})
			finishRun(ctx, store, final, err, noMerge)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent workers (default: the session's worker count)")
	cmd.Flags().BoolVar(&checkInput, "check-input", false, "Warn if the input set changed since the session started")
	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "Do not merge after the run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record items without running the processor")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No progress output")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Merged output path")

	return cmd
}

// currentDigest repeats the discovery recorded in the session, with the
// patterns and ignore file it started with. Failures only warn.
func currentDigest(out *render.Sessions, sess *session.Session) string {
	if sess.Input == nil {
		out.Warn("session has no recorded input source; skipping input check")
		return ""
	}
	items, _, err := discovery.Resolve(*sess.Input)
	if err != nil {
		out.Warn("input check failed: %v", err)
		return ""
	}
	return discovery.Digest(items)
}
