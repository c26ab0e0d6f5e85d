package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/render"
)

func sessionsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Run: func(cmd *cobra.Command, args []string) {
			sessions, err := openStore().List()
			exitOnError("session_list_failed", err)

			// Newest first.
			for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
				sessions[i], sessions[j] = sessions[j], sessions[i]
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				exitOnError("encode_failed", enc.Encode(sessions))
				return
			}
			render.NewSessions(render.Stdout()).List(sessions)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

func sessionShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show [session-id|latest]",
		Short: "Show a session and its shards",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sess := loadSession(openStore(), args)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				exitOnError("encode_failed", enc.Encode(sess))
				return
			}
			render.NewSessions(render.Stdout()).Detail(sess, orchestrator.ComputeProgress(sess, time.Now()))
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
