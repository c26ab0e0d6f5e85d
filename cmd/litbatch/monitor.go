package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/session"
	"github.com/joss/litbatch/internal/tui"
)

func monitorCmd() *cobra.Command {
	var (
		interval time.Duration
		follow   bool
		useTUI   bool
	)

	cmd := &cobra.Command{
		Use:   "monitor [session-id|latest]",
		Short: "Watch a session's progress from another terminal",
		Long: `Follow a session by re-reading its checkpoint.

Updates arrive every --interval and whenever the checkpoint is rewritten.
The monitor exits once the session finishes unless --follow is set.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !cmd.Flags().Changed("interval") {
				interval = cfg.UpdateInterval
			}
			store := openStore()
			sess := loadSession(store, args)

			ctx, stop := signalContext()
			defer stop()

			if useTUI {
				exitOnError("tui_failed", tui.Run(ctx, store, sess.ID, interval, follow))
				return
			}

			out := render.Stdout()
			var last *session.Session
			err := orchestrator.NewMonitor(store, sess.ID, interval).Follow(follow).Run(ctx,
				func(s *session.Session, p orchestrator.Progress) {
					last = s
					render.ProgressRender(out.Raw(), p)
				})
			exitOnError("monitor_failed", err)

			if last != nil && last.Status != session.StatusRunning {
				out.Line()
				render.NewSessions(out).Detail(last, orchestrator.ComputeProgress(last, time.Now()))
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", orchestrator.DefaultUpdateInterval, "Refresh interval")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep watching after the session finishes")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Full-screen view")

	return cmd
}
