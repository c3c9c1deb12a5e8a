package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hdlforge/pkg/config"
	"hdlforge/pkg/logx"
)

// passwordEnv supplies the secrets password without a prompt.
const passwordEnv = "HDLFORGE_PASSWORD"

var errNoPassword = errors.New("no secrets password: set " + passwordEnv + " or run from a terminal")

// loadConfig loads the configuration with the named flags of cmd bound to config keys.
func loadConfig(cmd *cobra.Command, g *globalFlags, binds map[string]string) (*config.Config, error) {
	loader := config.NewLoader()
	for key, name := range binds {
		if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}
	cfg, err := loader.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if used := loader.Used(); used != "" {
		logx.NewLogger("config").Info("Loaded configuration from %s", used)
	}
	return cfg, nil
}

// unlockSecrets decrypts the project's secrets file into memory. Without a secrets
// file, keys come from the environment only.
func unlockSecrets(cmd *cobra.Command, g *globalFlags) error {
	if !config.SecretsFileExists(g.projectDir) {
		return nil
	}
	password, err := readPassword(cmd, "🔐 Secrets password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(g.projectDir, password)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// readPassword returns HDLFORGE_PASSWORD, or prompts without echo on a terminal.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoPassword
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(b)
	return string(b), nil
}

// newPassword asks for a password twice when prompting; the environment is taken as is.
func newPassword(cmd *cobra.Command) (string, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return p, nil
	}
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		first, err := readPassword(cmd, "🔐 New secrets password: ")
		if err != nil {
			return "", err
		}
		second, err := readPassword(cmd, "Confirm password: ")
		if err != nil {
			return "", err
		}
		if first == second && first != "" {
			return first, nil
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "❌ Passwords do not match or are empty. Please try again.")
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}

// readSecretValue prompts without echo on a terminal and otherwise reads one line of input.
func readSecretValue(cmd *cobra.Command, name string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		defer clear(b)
		return string(bytes.TrimSpace(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return strings.TrimSpace(line), nil
}
