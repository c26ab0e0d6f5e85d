package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/render"
)

func requireHistory() *history.Store {
	if !cfg.History.Enabled {
		fatal("history_disabled", errors.New("history is disabled in config"))
	}
	h, err := history.Open(cfg.History.Path)
	exitOnError("history_open_failed", err)
	return h
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs",
		Long: `Show recorded runs across sessions.

Examples:
  litbatch history                 # last 20 runs
  litbatch history show <session>  # every shard attempt of one session
  litbatch history stats           # aggregate statistics`,
		Run: func(cmd *cobra.Command, args []string) {
			h := requireHistory()
			defer h.Close()

			runs, err := h.ListRuns(context.Background(), limit)
			exitOnError("history_query_failed", err)
			render.NewHistory(render.Stdout()).Runs(runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs")
	cmd.AddCommand(historyShowCmd(), historyStatsCmd())

	return cmd
}

func historyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [session-id|latest]",
		Short: "Show every shard attempt of a session",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			arg := ""
			if len(args) > 0 {
				arg = args[0]
			}
			id, err := openStore().Resolve(arg)
			exitOnError("session_resolve_failed", err)

			h := requireHistory()
			defer h.Close()
			ctx := context.Background()
			out := render.NewHistory(render.Stdout())

			run, err := h.GetRun(ctx, id)
			switch {
			case err == nil:
				out.Runs([]history.Run{*run})
				out.Line()
			case !errors.Is(err, history.ErrNotFound):
				exitOnError("history_query_failed", err)
			}

			attempts, err := h.Attempts(ctx, id)
			exitOnError("history_query_failed", err)
			out.Attempts(id, attempts)
		},
	}
}

func historyStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate run statistics",
		Run: func(cmd *cobra.Command, args []string) {
			h := requireHistory()
			defer h.Close()

			stats, err := h.Stats(context.Background())
			exitOnError("history_query_failed", err)
			render.NewHistory(render.Stdout()).Stats(stats)
		},
	}
}
