package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/config"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/resources"
)

func resourcesCmd() *cobra.Command {
	var (
		asJSON   bool
		reserved int
		perMB    int
	)

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show host resources and the recommended worker count",
		Run: func(cmd *cobra.Command, args []string) {
			if !cmd.Flags().Changed("reserved-cores") {
				reserved = cfg.ReservedCores
			}
			if !cmd.Flags().Changed("memory-per-worker") {
				perMB = cfg.MemoryPerWorkerMB
			}
			config.EnsureDir(cfg.WorkDir)

			snap := resources.NewDetector(cfg.WorkDir).Detect()
			rec := snap.Recommend(reserved, uint64(perMB)<<20)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				exitOnError("encode_failed", enc.Encode(map[string]interface{}{
					"snapshot":    snap,
					"recommended": rec,
				}))
				return
			}
			render.NewSessions(render.Stdout()).Resources(snap, rec)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&reserved, "reserved-cores", resources.DefaultReservedCores, "Cores kept free for the system")
	cmd.Flags().IntVar(&perMB, "memory-per-worker", int(resources.DefaultMemoryPerWorker>>20), "Memory budget per worker in MiB")

	return cmd
}
