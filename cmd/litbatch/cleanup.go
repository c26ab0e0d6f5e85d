package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/session"
)

func cleanupCmd() *cobra.Command {
	var (
		keepResults bool
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup <session-id|latest>",
		Short: "Remove a session's working files",
		Long: `Delete the session's working directory (shard outputs). With
--keep-results=false the checkpoint is deleted too and the session can no
longer be resumed or merged.

Cleaning up a running session asks for confirmation even with --yes.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !cmd.Flags().Changed("keep-results") {
				keepResults = cfg.Cleanup.KeepResults
			}
			store := openStore()
			sess := loadSession(store, args)
			out := render.NewSessions(render.Stdout())

			if sess.Status == session.StatusRunning {
				out.Warn("session %s is marked running; its process may still be working", sess.ID)
				if !confirm("Remove its working files anyway?") {
					fatal("cleanup_aborted", errors.New("cleanup aborted"))
				}
			} else if !yes {
				what := "working directory " + sess.TempDir
				if !keepResults {
					what += " and checkpoint"
				}
				if !confirm(fmt.Sprintf("Delete %s?", what)) {
					fatal("cleanup_aborted", errors.New("cleanup not confirmed (use --yes in scripts)"))
				}
			}

			res, err := orchestrator.Cleanup(store, sess.ID, keepResults)
			exitOnError("cleanup_failed", err)

			printCleanup(out.Writer, res)
		},
	}

	cmd.Flags().BoolVar(&keepResults, "keep-results", true, "Keep the checkpoint")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func printCleanup(out *render.Writer, res *orchestrator.CleanupResult) {
	out.Println("Cleaned up %s", res.SessionID)
	out.Item("working directory removed: %s", render.BoolIcon(res.RemovedTempDir != ""))
	if res.RemovedTempDir != "" {
		out.SubItem("%s", res.RemovedTempDir)
	}
	out.Item("checkpoint removed:        %s", render.BoolIcon(res.RemovedCheckpoint))
}
