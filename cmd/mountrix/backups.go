package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/mountrix/internal/maintenance"
	"github.com/MacJediWizard/mountrix/internal/mounter"
)

func newBackupsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and restore mount table backups",
	}
	cmd.AddCommand(
		newBackupsListCmd(flags),
		newBackupsShowCmd(flags),
		newBackupsRestoreCmd(flags),
		newBackupsPruneCmd(flags),
	)
	return cmd
}

func newBackupsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored backups, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			backups, err := a.store.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, backups)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSIZE")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", b.ID, b.CreatedAt.Local().Format(time.DateTime), b.Size)
			}
			return tw.Flush()
		},
	}
}

func newBackupsShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print the content of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.store.ReadBackup(args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newBackupsRestoreCmd(flags *globalFlags) *cobra.Command {
	var opts mounter.UnmountOptions

	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the mount table with a backup",
		Long: `Replace the mount table with a stored backup.

The current table is backed up first, so a restore can be undone by
restoring the backup it reports. Mounts are not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{journal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.Restore(cmd.Context(), args[0], opts)
			return reportResult(cmd.OutOrStdout(), flags, rep, err)
		},
	}
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Fail instead of waiting when the table is locked")
	return cmd
}

func newBackupsPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply backup and journal retention now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{journal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.store.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			sched := maintenance.NewScheduler(maintenance.Config{JournalRetention: a.cfg.Journal.Retention}, a.store, a.orch, a.journal, nil, a.logger)
			if err := sched.Prune(cmd.Context()); err != nil {
				return err
			}
			after, err := a.store.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backups, %d kept.\n", len(before)-len(after), len(after))
			return nil
		},
	}
}
