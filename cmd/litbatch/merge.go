package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/merge"
	"github.com/joss/litbatch/internal/render"
)

func mergeCmd() *cobra.Command {
	var (
		output   string
		noBackup bool
		report   bool
		show     bool
	)

	cmd := &cobra.Command{
		Use:   "merge [session-id|latest]",
		Short: "Merge shard outputs into one result file",
		Long: `Concatenate every completed shard's output in shard order and write a
manifest next to it.

Shards that did not complete are skipped and listed in the manifest, and the
session is marked completed_with_errors. Merging fails only when no shard
completed.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if output != "" {
				cfg.Output.Path = output
			}
			if show {
				showManifest(merge.DefaultManifestPath(cfg.Output.Path), report)
				return
			}
			store := openStore()
			sess := loadSession(store, args)

			ctx, stop := signalContext()
			defer stop()

			manifest, err := mergeSession(ctx, store, sess, cfg.Output.Path, cfg.Output.Backup && !noBackup)
			if errors.Is(err, merge.ErrNoCompletedWork) {
				fatal("merge_failed", fmt.Errorf("%w; run `litbatch resume %s` first", err, sess.ID))
			}
			exitOnError("merge_failed", err)

			if report {
				printReport(manifest)
				return
			}
			render.NewSessions(render.Stdout()).Manifest(manifest)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Merged output path")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the backup archive")
	cmd.Flags().BoolVar(&report, "report", false, "Print the Markdown report")
	cmd.Flags().BoolVar(&show, "show", false, "Show the manifest of the last merge instead of merging")

	return cmd
}

// printReport renders the manifest's Markdown report, styled when stdout is
// a terminal.
func printReport(m *merge.Manifest) {
	md := merge.Markdown(m)
	if !isInteractive() {
		fmt.Print(md)
		return
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(md)
		return
	}
	styled, err := renderer.Render(md)
	if err != nil {
		fmt.Fprint(os.Stdout, md)
		return
	}
	fmt.Print(styled)
}

// showManifest prints a previously written manifest.
func showManifest(path string, report bool) {
	manifest, err := merge.LoadManifest(path)
	if errors.Is(err, os.ErrNotExist) {
		fatal("manifest_not_found", fmt.Errorf("no manifest at %s; run `litbatch merge` first", path))
	}
	exitOnError("manifest_load_failed", err)

	if report {
		printReport(manifest)
		return
	}
	render.NewSessions(render.Stdout()).Manifest(manifest)
}
