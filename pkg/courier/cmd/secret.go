package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-courier/pkg/config"
)

func NewSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials kept in the OS keyring",
	}
	cmd.AddCommand(newSecretSetCommand())
	return cmd
}

func newSecretSetCommand() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Store a password or token for user in the OS keyring",
		Long: `Store a secret under the courier keyring service. Use the SMTP or IMAP
username for mail credentials and "api-token" for the ops API token. Without
--value the secret is read from the first line of stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := value
			if !cmd.Flags().Changed("value") {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading secret from stdin: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}
			if err := config.StoreSecret(args[0], secret); err != nil {
				return fmt.Errorf("storing secret for %s: %w", args[0], err)
			}

			writer := cmd.OutOrStdout()
			if rt, err := getRuntime(cmd); err == nil {
				writer = rt.Writer()
			}
			_, _ = fmt.Fprintf(writer, "Stored secret for %s in keyring service %s\n", args[0], config.KeyringService)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value (read from stdin when omitted)")
	return cmd
}
