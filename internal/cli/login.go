package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCommand(opts *RootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API token in the system keyring",
		Long: `Store the bearer token sent with every API request under api.token_key.
The token is read from --token or, when omitted, the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.API.TokenKey == "" {
				return NewExitError(ExitCommandError, "api.token_key is not configured")
			}

			if token == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return WrapExitError(ExitCommandError, "failed to read token", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return NewExitError(ExitCommandError, "token is empty")
			}

			creds, err := credentialStore(cfg, opts)
			if err != nil {
				return err
			}
			if err := creds.Set(cfg.API.TokenKey, token); err != nil {
				return WrapExitError(ExitFailure, "failed to store token", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored as %q\n", cfg.API.TokenKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "API token (read from stdin when omitted)")
	return cmd
}

func newLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the API token from the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.API.TokenKey == "" {
				return NewExitError(ExitCommandError, "api.token_key is not configured")
			}
			creds, err := credentialStore(cfg, opts)
			if err != nil {
				return err
			}
			if err := creds.Delete(cfg.API.TokenKey); err != nil {
				return WrapExitError(ExitFailure, "failed to remove token", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed")
			return nil
		},
	}
}
