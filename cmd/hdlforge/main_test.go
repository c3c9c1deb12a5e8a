package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hdlforge/pkg/config"
	"hdlforge/pkg/version"
)

// execute runs the CLI with args and returns its standard output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config whose files all live under dir.
func writeConfig(t *testing.T, dir string, edit func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Experiments.Root = filepath.Join(dir, "TC")
	cfg.Experiments.Output = filepath.Join(dir, "out")
	cfg.Storage.ResultsDB = filepath.Join(dir, "results.db")
	cfg.Knowledge.Enabled = false
	if edit != nil {
		edit(&cfg)
	}
	data, err := cfg.YAML()
	require.NoError(t, err)
	path := filepath.Join(dir, "hdlforge.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"configuration", fmt.Errorf("%w: bad", config.ErrInvalidConfig), 2},
		{"failed runs", errRunsFailed, 1},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hdlforge "+version.Version)
	assert.Contains(t, out, "commit: "+version.Commit)
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdlforge.yaml")

	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default configuration")

	_, err = execute(t, "", "config", "init", path)
	require.Error(t, err, "an existing file is kept")
	assert.Contains(t, err.Error(), "--force")

	_, err = execute(t, "", "config", "init", "--force", path)
	require.NoError(t, err)

	t.Setenv("HDLFORGE_LLM_MODEL", "claude-sonnet-4")
	out, err = execute(t, "", "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "model: claude-sonnet-4")
	assert.Contains(t, out, "max_auto_fix_attempts: 2")
	assert.Contains(t, out, "timeout: 2s")
}

func TestConfigShowInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, func(c *config.Config) { c.Executor.MaxFailures = 0 })

	_, err := execute(t, "", "--config", path, "config", "show")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, 2, exitCode(err))
}

func TestSecretsSetAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(passwordEnv, "correct horse")
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("ANTHROPIC_API_KEY_1", "")

	out, err := execute(t, "sk-test-1\n", "--project-dir", dir, "secrets", "set", "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored OPENAI_API_KEY")
	assert.FileExists(t, config.SecretsPath(dir))

	_, err = execute(t, "sk-test-2\n", "--project-dir", dir, "secrets", "set", "OPENAI_API_KEY_1")
	require.NoError(t, err)

	secrets, err := config.DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk-test-1", "OPENAI_API_KEY_1": "sk-test-2"}, secrets)

	out, err = execute(t, "", "--project-dir", dir, "secrets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "OPENAI_API_KEY_1")
	assert.Contains(t, out, "Source")
	assert.Contains(t, out, "secrets file")
	assert.Contains(t, out, "ANTHROPIC_API_KEY")
	assert.Contains(t, out, "environment")
	assert.NotContains(t, out, "sk-test", "values are never printed")

	t.Setenv(passwordEnv, "wrong")
	_, err = execute(t, "", "--project-dir", dir, "secrets", "list")
	require.Error(t, err)
}

func TestSecretsSetRejectsEmptyValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(passwordEnv, "pw")

	_, err := execute(t, "\n", "--project-dir", dir, "secrets", "set", "OPENAI_API_KEY")
	require.Error(t, err)
	assert.NoFileExists(t, config.SecretsPath(dir))
}

func TestRunMissingRootIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)

	_, err := execute(t, "", "--config", path, "--project-dir", dir, "run")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRunEmptyRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "TC"), 0o755))

	out, err := execute(t, "", "--config", path, "--project-dir", dir, "run", "--no-parallel")
	require.NoError(t, err)
	assert.Contains(t, out, "No experiments found")
}

func TestRunRootFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	other := filepath.Join(dir, "elsewhere")
	require.NoError(t, os.MkdirAll(other, 0o755))

	out, err := execute(t, "", "--config", path, "--project-dir", dir, "run", "--root", other)
	require.NoError(t, err)
	assert.Contains(t, out, "Experiments root: "+other)
}

func TestReportLedgerEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)

	out, err := execute(t, "", "--config", path, "report", "--ledger")
	require.NoError(t, err)
	assert.Contains(t, out, "Experiment")
	assert.Contains(t, out, "Outcome")
	assert.NotContains(t, out, "OUTCOME", "headers keep their case")
}
