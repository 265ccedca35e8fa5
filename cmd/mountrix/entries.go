package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/mounter"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

// entryFlags describe an entry either directly or through a template.
type entryFlags struct {
	source     string
	mountpoint string
	fsType     string
	options    string
	dump       int
	pass       int
	comment    string

	template string
	inputs   templates.Inputs
	scope    string
}

func (f *entryFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.source, "source", "", "Device, UUID=, LABEL= or remote share")
	fl.StringVar(&f.mountpoint, "mountpoint", "", "Absolute mountpoint")
	fl.StringVarP(&f.fsType, "type", "t", "", "Filesystem type")
	fl.StringVarP(&f.options, "options", "o", "defaults", "Comma separated mount options")
	fl.IntVar(&f.dump, "dump", 0, "dump field (0-2)")
	fl.IntVar(&f.pass, "pass", 0, "fsck pass field (0-2)")
	fl.StringVar(&f.comment, "comment", "", "Comment written above a new entry")

	fl.StringVar(&f.template, "template", "", "Build the entry from a vendor template")
	fl.StringVar(&f.inputs.Host, "host", "", "Template: NAS host name or address")
	fl.StringVar(&f.inputs.Share, "share", "", "Template: share or export path")
	fl.StringVar(&f.scope, "scope", "", "Template: per_user or system_wide")
	fl.StringVar(&f.inputs.User, "user", "", "Template: local user for per_user scope")
	fl.StringVar(&f.inputs.CredentialsRef, "credentials-ref", "", "Template: secret store entry holding the share credentials")
	fl.StringVar(&f.inputs.CredentialsFile, "credentials-file", "", "Template: existing credentials file")
	fl.StringVar(&f.inputs.KeyFile, "key-file", "", "Template: SSH private key for sshfs")
	fl.StringVar(&f.inputs.Username, "username", "", "Template: remote user for sshfs")
	fl.StringVar(&f.inputs.UID, "uid", "", "Template: owner uid for SMB files")
	fl.StringVar(&f.inputs.GID, "gid", "", "Template: owner gid for SMB files")
	fl.BoolVar(&f.inputs.UseNFS, "nfs", false, "Template: use NFS instead of SMB")
}

// resolve builds the entry described by the flags.
func (f *entryFlags) resolve(cmd *cobra.Command, catalog *templates.Catalog) (models.Entry, error) {
	if f.template != "" {
		if f.source != "" || f.fsType != "" {
			return models.Entry{}, errors.New("--source and --type cannot be combined with --template")
		}
		in := f.inputs
		in.Mountpoint = f.mountpoint
		in.Scope = models.Scope(f.scope)
		if cmd.Flags().Changed("options") {
			in.Options = models.ParseOptions(f.options)
		}
		entry, err := catalog.Instantiate(f.template, in)
		if err != nil {
			return models.Entry{}, err
		}
		if f.comment != "" {
			entry.Comment = f.comment
		}
		return entry, nil
	}

	return models.Entry{
		Source:     f.source,
		Mountpoint: f.mountpoint,
		FSType:     models.FSType(f.fsType),
		Options:    models.ParseOptions(f.options),
		Dump:       f.dump,
		Pass:       f.pass,
		Comment:    f.comment,
	}, nil
}

func newListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the entries of the mount table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			for _, w := range snap.Warnings {
				a.logger.Warn().Int("line", w.Line).Str("reason", w.Reason).Str("text", w.Text).Msg("unparseable mount table line kept verbatim")
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, snap.Entries())
			}
			printEntries(out, snap.Entries())
			return nil
		},
	}
}

func printEntries(w io.Writer, entries []models.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MOUNTPOINT\tSOURCE\tTYPE\tOPTIONS\tDUMP\tPASS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", e.Mountpoint, e.Source, e.FSType, e.Options, e.Dump, e.Pass)
	}
	tw.Flush()
}

func newAddCmd(flags *globalFlags) *cobra.Command {
	var (
		ef             entryFlags
		overrideReason string
		skipMount      bool
		testMount      bool
		failFast       bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an entry and mount it",
		Long: `Add or update a mount table entry.

The entry is validated and, for network shares, the host and service
port are checked first. The table is backed up, written and the entry
mounted. If the mount fails the table is restored from the backup.

Failed checks stop the operation unless --override-reason is given.`,
		Example: `  mountrix add --template synology --host nas.lan --share media --credentials-ref nas
  mountrix add --source UUID=1234-abcd --mountpoint /mnt/data --type ext4 --pass 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, mutating)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := ef.resolve(cmd, a.catalog)
			if err != nil {
				return err
			}

			opts := mounter.ApplyOptions{
				SkipMount:          skipMount,
				TemporaryMountTest: testMount || a.cfg.Diagnostics.TemporaryMount,
				FailFast:           failFast,
			}
			if cmd.Flags().Changed("override-reason") {
				opts.Override = &mounter.Override{Reason: overrideReason}
			}

			rep, err := a.orch.Apply(cmd.Context(), entry, opts)
			return reportResult(cmd.OutOrStdout(), flags, rep, err)
		},
	}

	ef.bind(cmd)
	cmd.Flags().StringVar(&overrideReason, "override-reason", "", "Proceed past failed diagnostics, recording this reason")
	cmd.Flags().BoolVar(&skipMount, "skip-mount", false, "Only write the table entry")
	cmd.Flags().BoolVar(&testMount, "test-mount", false, "Try a temporary mount before writing the table")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Fail instead of waiting when the mountpoint is busy")

	return cmd
}

func newPreviewCmd(flags *globalFlags) *cobra.Command {
	var ef entryFlags

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the mount table diff adding an entry would cause",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := ef.resolve(cmd, a.catalog)
			if err != nil {
				return err
			}
			snap, err := a.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if res := models.ValidateEntry(entry, snap.Others(entry)); !res.Valid() {
				return &mounter.ValidationError{Errors: res}
			}
			diff, err := a.store.Preview(cmd.Context(), fstab.AddOrReplace(snap, entry))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, map[string]any{"entry": entry, "diff": diff})
			}
			if diff == "" {
				fmt.Fprintln(out, "No changes.")
				return nil
			}
			fmt.Fprint(out, diff)
			return nil
		},
	}
	ef.bind(cmd)
	return cmd
}

func newRemoveCmd(flags *globalFlags) *cobra.Command {
	var opts mounter.RemoveOptions

	cmd := &cobra.Command{
		Use:   "remove <mountpoint>",
		Short: "Remove an entry from the mount table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, mutating)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.orch.Remove(cmd.Context(), args[0], opts)
			return reportResult(cmd.OutOrStdout(), flags, rep, err)
		},
	}

	cmd.Flags().BoolVar(&opts.Unmount, "unmount", false, "Unmount the entry before removing it")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "Fail instead of waiting when the mountpoint is busy")
	return cmd
}

func newDiagnoseCmd(flags *globalFlags) *cobra.Command {
	var (
		ef        entryFlags
		testMount bool
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check that a network share is reachable without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{secrets: true})
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := ef.resolve(cmd, a.catalog)
			if err != nil {
				return err
			}
			result, err := a.orch.Diagnose(cmd.Context(), entry, testMount)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, result)
			}
			printDiagnostics(out, result)
			if !result.OK() {
				return &diagnostics.DiagnosticFailure{Result: result}
			}
			return nil
		},
	}

	ef.bind(cmd)
	cmd.Flags().BoolVar(&testMount, "test-mount", false, "Also try a temporary mount")
	return cmd
}

// reportResult prints rep and returns err. Diagnostics are printed before
// the error so an operator sees them before deciding on an override.
func reportResult(w io.Writer, flags *globalFlags, rep *mounter.Report, err error) error {
	if rep == nil {
		return err
	}
	if flags.jsonOutput {
		if perr := printJSON(w, rep); perr != nil {
			return perr
		}
		return err
	}

	if rep.Diagnostics != nil {
		printDiagnostics(w, rep.Diagnostics)
	}
	if rep.Override != nil {
		fmt.Fprintf(w, "Diagnostics overridden: %s\n", rep.Override.Reason)
	}
	states := make([]string, len(rep.States))
	for i, s := range rep.States {
		states[i] = string(s)
	}
	target := rep.Mountpoint
	if target == "" {
		target = "mount table"
	}
	fmt.Fprintf(w, "%s %s: %s\n", rep.Operation, target, strings.Join(states, " -> "))
	if rep.BackupID != "" {
		fmt.Fprintf(w, "Backup: %s\n", rep.BackupID)
	}
	if rep.Forced {
		fmt.Fprintln(w, "Unmount was forced.")
	}

	var verr *mounter.ValidationError
	if errors.As(err, &verr) {
		for _, fe := range verr.Errors {
			fmt.Fprintf(w, "  %s\n", fe)
		}
	}
	return err
}

func printDiagnostics(w io.Writer, r *diagnostics.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAIL")
	for _, c := range r.Checks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
	}
	tw.Flush()
	if r.Detail != "" {
		fmt.Fprintf(w, "%s\n", r.Detail)
	}
}
