package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joss/litbatch/internal/backup"
	"github.com/joss/litbatch/internal/render"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Aliases: []string{"bak"},
		Short:   "Session archive management",
		Long: `Archive a session's checkpoint and shard outputs, and restore them.

A backup is written automatically after each merge when output.backup is set.

Examples:
  litbatch backup list                     # all archives, newest first
  litbatch backup list <session>
  litbatch backup create latest -d "before rerun"
  litbatch backup inspect <archive>
  litbatch backup restore <archive> --to ./restored`,
	}

	cmd.AddCommand(
		backupListCmd(),
		backupCreateCmd(),
		backupInspectCmd(),
		backupRestoreCmd(),
	)

	return cmd
}

func backupManager() *backup.Manager {
	return backup.NewManager(cfg.Output.BackupDir)
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [session-id]",
		Short: "List backups",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			archives, err := backupManager().List(id)
			exitOnError("backup_list_failed", err)
			render.NewHistory(render.Stdout()).Backups(archives)
		},
	}
}

func backupCreateCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create [session-id|latest]",
		Short: "Archive a session's checkpoint and completed shard outputs",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openStore()
			sess := loadSession(store, args)

			var extra []string
			if _, err := os.Stat(cfg.Output.Path); err == nil {
				extra = append(extra, cfg.Output.Path)
			}

			archive, err := backupManager().Export(sess, store.Path(sess.ID), extra, description)
			exitOnError("backup_export_failed", err)

			fmt.Printf("Backup created: %s\n", archive.Path)
			printBackupMetadata(archive.Metadata)
			fmt.Printf("\nSize: %s\n", render.FormatBytes(uint64(archive.Size)))
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Backup description")
	return cmd
}

func backupInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Show backup contents",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			meta, err := backupManager().Inspect(args[0])
			exitOnError("backup_inspect_failed", err)

			fmt.Printf("Backup: %s\n", args[0])
			fmt.Printf("Session: %s (%s)\n", meta.SessionID, meta.Status)
			fmt.Printf("Created: %s\n", meta.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			if meta.Description != "" {
				fmt.Printf("Description: %s\n", meta.Description)
			}
			printBackupMetadata(meta)
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Extract a backup and verify checksums",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if dest == "" {
				fatal("backup_restore_failed", fmt.Errorf("--to is required"))
			}
			meta, err := backupManager().Restore(args[0], dest)
			exitOnError("backup_restore_failed", err)

			fmt.Printf("Restored %s to %s\n", meta.SessionID, dest)
			printBackupMetadata(meta)
		},
	}

	cmd.Flags().StringVar(&dest, "to", "", "Destination directory")
	return cmd
}

func printBackupMetadata(meta *backup.BackupMetadata) {
	fmt.Println("\nContents:")
	files := append([]string(nil), meta.Files...)
	sort.Strings(files)
	for _, f := range files {
		if n, ok := meta.Counts[f]; ok {
			fmt.Printf("  %-32s %d records\n", f, n)
		} else {
			fmt.Printf("  %s\n", f)
		}
	}
}
