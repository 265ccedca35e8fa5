package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTemplatesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Browse the vendor NAS templates",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List available templates",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), flags, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()

				profiles := a.catalog.List()
				out := cmd.OutOrStdout()
				if flags.jsonOutput {
					return printJSON(out, profiles)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPROTOCOL\tNFS\tAUTH")
				for _, p := range profiles {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", p.ID, p.Name, p.Protocol, p.NFSSupport, p.AuthMethod)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show a template and its setup notes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), flags, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()

				out := cmd.OutOrStdout()
				if flags.jsonOutput {
					p, err := a.catalog.Get(args[0])
					if err != nil {
						return err
					}
					return printJSON(out, p)
				}
				help, err := a.catalog.Help(args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(out, help)
				return nil
			},
		},
	)
	return cmd
}
