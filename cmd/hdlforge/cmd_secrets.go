package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"hdlforge/pkg/config"
)

// providerKeyNames returns the API key names set in the environment.
func providerKeyNames() []string {
	var names []string
	for _, provider := range []string{config.ProviderAnthropic, config.ProviderGoogle, config.ProviderOpenAI} {
		base := config.APIKeyName(provider)
		if os.Getenv(base) != "" {
			names = append(names, base)
		}
		for i := 1; os.Getenv(base+"_"+strconv.Itoa(i)) != ""; i++ {
			names = append(names, base+"_"+strconv.Itoa(i))
		}
	}
	return names
}

func secretsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Manage the encrypted secrets file"}
	cmd.AddCommand(secretsSetCmd(g))
	cmd.AddCommand(secretsListCmd(g))
	return cmd
}

func secretsSetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME",
		Short: "Store a secret, e.g. OPENAI_API_KEY or OPENAI_API_KEY_1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			secrets := map[string]string{}
			var password string
			if config.SecretsFileExists(g.projectDir) {
				p, err := readPassword(cmd, "🔐 Secrets password: ")
				if err != nil {
					return err
				}
				existing, err := config.DecryptSecretsFile(g.projectDir, p)
				if err != nil {
					return err //nolint:wrapcheck // already describes the file
				}
				secrets, password = existing, p
			} else {
				p, err := newPassword(cmd)
				if err != nil {
					return err
				}
				password = p
			}

			value, err := readSecretValue(cmd, name)
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value for %s", name)
			}
			secrets[name] = value

			if err := config.EncryptSecretsFile(g.projectDir, password, secrets); err != nil {
				return fmt.Errorf("failed to encrypt secrets: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s in %s (file permissions: 0600)\n", name, config.SecretsPath(g.projectDir))
			return nil
		},
	}
}

func secretsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names and where they come from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := unlockSecrets(cmd, g); err != nil {
				return err
			}

			sources := map[string]string{}
			for _, name := range providerKeyNames() {
				sources[name] = "environment"
			}
			for _, name := range config.SecretNames() {
				sources[name] = "secrets file"
			}
			names := make([]string, 0, len(sources))
			for name := range sources {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := newReportTable(cmd)
			tw.AppendHeader(table.Row{"Name", "Source"})
			for _, name := range names {
				tw.AppendRow(table.Row{name, sources[name]})
			}
			tw.Render()
			return nil
		},
	}
}
