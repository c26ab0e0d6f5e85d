package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joss/litbatch/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the config file",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Run: func(cmd *cobra.Command, args []string) {
				if cfg.Source != "" {
					fmt.Printf("# from %s\n", cfg.Source)
				} else {
					fmt.Println("# defaults (no config file)")
				}
				out, err := yaml.Marshal(cfg)
				exitOnError("config_encode_failed", err)
				fmt.Print(string(out))
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write a starter config file",
			Run: func(cmd *cobra.Command, args []string) {
				path := cfgPath
				if path == "" {
					path = config.GetPaths().ConfigFile
				}
				created, err := config.WriteSample(path)
				exitOnError("config_init_failed", err)
				if !created {
					fmt.Printf("Config already exists: %s\n", path)
					return
				}
				fmt.Printf("Config written: %s\n", path)
			},
		},
	)

	return cmd
}
