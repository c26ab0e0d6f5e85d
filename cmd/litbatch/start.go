package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/config"
	"github.com/joss/litbatch/internal/discovery"
	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/resources"
	"github.com/joss/litbatch/internal/session"
)

func startCmd() *cobra.Command {
	var (
		input      string
		patterns   []string
		ignoreFile string
		listFile   string
		workers    int
		pipeline   string
		output     string
		yes        bool
		noMerge    bool
		dryRun     bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new session over an input set",
		Long: `Discover input items, plan shards, and run them in parallel.

The worker count defaults to the value recommended for this host. Asking for
more prompts for confirmation (or use --yes); without confirmation the count
is clamped to the recommendation.

Examples:
  litbatch start --input ./papers
  litbatch start --input ./papers -p "**/*.pdf" -p "**/*.txt" -w 6
  litbatch start --list dois.txt --no-merge
  litbatch start --input ./papers --dry-run`,
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("input") {
				cfg.Input.Root = input
			}
			if len(patterns) > 0 {
				cfg.Input.Patterns = patterns
			}
			if ignoreFile != "" {
				cfg.Input.IgnoreFile = ignoreFile
			}
			if listFile != "" {
				cfg.Input.ListFile = listFile
			}
			if pipeline != "" {
				cfg.Pipeline = pipeline
			}
			if output != "" {
				cfg.Output.Path = output
			}

			items, src := discoverItems()
			out := render.NewSessions(render.Stdout())
			out.Println("Found %d items", len(items))

			exitOnError("workdir_failed", config.EnsureDir(cfg.WorkDir))
			n := chooseWorkers(out, workers, yes)
			fn := workerFunc(dryRun)

			store := openStore()
			sess, err := orchestrator.Prepare(store, orchestrator.StartRequest{
				Pipeline:    cfg.Pipeline,
				Items:       items,
				WorkerCount: n,
				TempRoot:    cfg.WorkDir,
				Input:       src,
				InputDigest: discovery.Digest(items),
			})
			exitOnError("session_prepare_failed", err)
			out.Println("Session %s: %d shards, %d workers", sess.ID, len(sess.Shards), n)

			stopMetrics := startMetrics()
			defer stopMetrics()

			ctx, stop := signalContext()
			defer stop()

			hist := openHistory()
			if hist != nil {
				defer hist.Close()
				if err := hist.RecordRun(context.WithoutCancel(ctx), history.RunFromSession(sess, "start")); err != nil {
					cliLog.WithSession(sess.ID).Warn("history_write_failed", nil, err)
				}
			}

			pool := newPool(store, fn, n)
			final, err := observe(ctx, pool, hist, quiet, len(sess.Shards), func() (*session.Session, error) {
				return pool.Run(ctx, sess, sess.Shards)
			})
			finishRun(ctx, store, final, err, noMerge)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input root directory")
	cmd.Flags().StringSliceVarP(&patterns, "pattern", "p", nil, "Glob pattern relative to the input root (repeatable)")
	cmd.Flags().StringVar(&ignoreFile, "ignore-file", "", "Gitignore-style file of paths to skip")
	cmd.Flags().StringVar(&listFile, "list", "", "Read items one per line from this file instead of globbing")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker count (default: recommended for this host)")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline name recorded in the session")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Merged output path")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Accept resource warnings without prompting")
	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "Do not merge after the run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record items without running the processor")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No progress output")

	return cmd
}

// discoverItems returns the input items and the source they came from, as
// recorded in the checkpoint.
func discoverItems() ([]string, session.InputSource) {
	items, src, err := discovery.Resolve(session.InputSource{
		Root:       cfg.Input.Root,
		Patterns:   cfg.Input.Patterns,
		IgnoreFile: cfg.Input.IgnoreFile,
		ListFile:   cfg.Input.ListFile,
	})
	exitOnError("discovery_failed", err)
	return items, src
}

// chooseWorkers resolves the worker count: flag, then config, then the
// host recommendation. Requests above the recommendation need confirmation
// or are clamped.
func chooseWorkers(out *render.Sessions, flagWorkers int, yes bool) int {
	if flagWorkers < 0 {
		fatal("invalid_workers", fmt.Errorf("%w: workers must be >= 1, got %d", orchestrator.ErrInvalidArgument, flagWorkers))
	}

	snap := resources.NewDetector(cfg.WorkDir).Detect()
	recommended := snap.Recommend(cfg.ReservedCores, cfg.MemoryPerWorker())

	requested := flagWorkers
	if requested == 0 {
		requested = cfg.Workers
	}
	if requested == 0 {
		return recommended
	}

	warn := snap.Check(requested, cfg.ReservedCores, cfg.MemoryPerWorker())
	if warn == nil {
		return requested
	}
	for _, r := range warn.Reasons {
		out.Warn("%s", r)
	}
	cliLog.Warn("resource_warning", map[string]interface{}{
		"requested":   warn.Requested,
		"recommended": warn.Recommended,
	}, warn)

	if requested <= recommended {
		// Only the disk is short; nothing to clamp.
		return requested
	}
	if yes || confirm(fmt.Sprintf("Run %d workers anyway?", requested)) {
		return requested
	}
	out.Println("Using %d workers", recommended)
	return recommended
}
