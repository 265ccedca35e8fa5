package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/MacJediWizard/mountrix/internal/credentials"
)

func newCredentialsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored share credentials",
		Long: `Manage share credentials kept in the encrypted secret store.

Entries refer to stored credentials by service ID. The password is read
from the terminal, or from stdin when stdin is not a terminal.`,
	}
	cmd.AddCommand(
		newCredentialsSetCmd(flags),
		newCredentialsDeleteCmd(flags),
		newCredentialsListCmd(flags),
	)
	return cmd
}

func newCredentialsSetCmd(flags *globalFlags) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "set <service-id>",
		Short: "Store or replace the credentials for a service ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := credentials.ValidateServiceID(id); err != nil {
				return err
			}
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), flags, appOptions{secrets: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.secrets.Put(cmd.Context(), id, username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credentials for %s.\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Share user name, optionally as DOMAIN\\user")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newCredentialsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <service-id>",
		Short: "Delete stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.ValidateServiceID(args[0]); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), flags, appOptions{secrets: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.secrets.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted credentials for %s.\n", args[0])
			return nil
		},
	}
}

func newCredentialsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List service IDs with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, appOptions{secrets: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.secrets.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return printJSON(out, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

// readPassword prompts on the terminal without echo. When in is not a
// terminal the first line of input is used.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(pw) == 0 {
			return "", errors.New("empty password")
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
