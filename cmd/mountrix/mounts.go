package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/mounter"
)

func newUnmountCmd(flags *globalFlags) *cobra.Command {
	var opts mounter.UnmountOptions

	cmd := &cobra.Command{
		Use:   "unmount <mountpoint>",
		Short: "Unmount a mountpoint, forcing it when busy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{journal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.Unmount(cmd.Context(), args[0], opts)
			return reportResult(cmd.OutOrStdout(), flags, rep, err)
		},
	}
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Fail instead of waiting when the mountpoint is busy")
	return cmd
}

func newRemountCmd(flags *globalFlags) *cobra.Command {
	var opts mounter.UnmountOptions

	cmd := &cobra.Command{
		Use:     "remount <mountpoint>",
		Aliases: []string{"mount"},
		Short:   "Mount a table entry, unmounting it first if mounted",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, mutating)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.Remount(cmd.Context(), args[0], opts)
			return reportResult(cmd.OutOrStdout(), flags, rep, err)
		},
	}
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Fail instead of waiting when the mountpoint is busy")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live status of every table entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.orch.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, statuses)
			}
			printStatuses(out, statuses)
			return nil
		},
	}
}

func printStatuses(w io.Writer, statuses []models.EntryStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MOUNTPOINT\tSOURCE\tTYPE\tSTATUS\tUSED")
	for _, st := range statuses {
		used := "-"
		if st.Usage != nil {
			used = fmt.Sprintf("%.1f%% of %s", st.Usage.UsedPercent, humanBytes(st.Usage.TotalBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Entry.Mountpoint, st.Entry.Source, st.Entry.FSType, st.Status, used)
	}
	tw.Flush()
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
