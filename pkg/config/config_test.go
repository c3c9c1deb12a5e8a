package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hdlforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Agents.MaxGenerationRetries)
	assert.Equal(t, 2, cfg.Agents.MaxAutoFixAttempts)
	assert.Equal(t, 2*time.Second, cfg.Executor.Timeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"retries too high", func(c *Config) { c.Agents.MaxGenerationRetries = 50 }, "MaxGenerationRetries"},
		{"negative auto fix", func(c *Config) { c.Agents.MaxAutoFixAttempts = -1 }, "MaxAutoFixAttempts"},
		{"no compile command", func(c *Config) { c.Executor.CompileCommand = nil }, "CompileCommand"},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }, "Timeout"},
		{"empty model", func(c *Config) { c.LLM.Model = "" }, "Model"},
		{"bad base url", func(c *Config) { c.LLM.BaseURL = "not a url" }, "BaseURL"},
		{"zero workers", func(c *Config) { c.Experiments.Workers = 0 }, "Workers"},
		{"knowledge without db", func(c *Config) { c.Knowledge.DBPath = "" }, "DBPath"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestKnowledgeDisabledNeedsNoDB(t *testing.T) {
	cfg := Default()
	cfg.Knowledge.Enabled = false
	cfg.Knowledge.DBPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  max_generation_retries: 4
executor:
  compile_command: ["iverilog", "-g2012", "-o", "{output}", "{artifact}", "{checks}"]
  timeout: 5s
llm:
  model: claude-3-5-sonnet-latest
  request_timeout: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Agents.MaxGenerationRetries)
	assert.Equal(t, 2, cfg.Agents.MaxAutoFixAttempts, "unset keys keep defaults")
	assert.Equal(t, []string{"iverilog", "-g2012", "-o", "{output}", "{artifact}", "{checks}"}, cfg.Executor.CompileCommand)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "claude-3-5-sonnet-latest", cfg.LLM.Model)
	assert.Equal(t, time.Minute, cfg.LLM.RequestTimeout)
	assert.Equal(t, "All tests passed", cfg.Executor.PassMarker)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: gpt-4o\n")
	t.Setenv("HDLFORGE_LLM_MODEL", "gemini-2.0-flash")
	t.Setenv("HDLFORGE_EXPERIMENTS_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, 8, cfg.Experiments.Workers)
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	t.Setenv("HDLFORGE_AGENTS_MAX_GENERATION_RETRIES", "3")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-retries", 0, "")
	require.NoError(t, flags.Parse([]string{"--max-retries=5"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("agents.max_generation_retries", flags.Lookup("max-retries")))
	require.Error(t, l.BindFlag("agents.max_auto_fix_attempts", flags.Lookup("missing")))

	cfg, err := l.Load(writeConfig(t, "agents:\n  max_generation_retries: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agents.MaxGenerationRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	l := NewLoader()
	cfg, err := l.Load("")
	require.NoError(t, err, "searched-for file may be absent")
	assert.Equal(t, Default().LLM.Model, cfg.LLM.Model)
	assert.Empty(t, l.Used())
}

func TestLoadInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "experiments:\n  workers: 0\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "Workers")
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.LLM.Model = "ollama/qwen2.5-coder"
	out, err := cfg.YAML()
	require.NoError(t, err)

	loaded, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestProviderFor(t *testing.T) {
	tests := []struct {
		model, provider, id string
	}{
		{"claude-3-5-sonnet-latest", ProviderAnthropic, "claude-3-5-sonnet-latest"},
		{"gemini-2.0-flash", ProviderGoogle, "gemini-2.0-flash"},
		{"ollama/qwen2.5-coder", ProviderOllama, "qwen2.5-coder"},
		{"gpt-4o-mini", ProviderOpenAI, "gpt-4o-mini"},
		{"deepseek-chat", ProviderOpenAI, "deepseek-chat"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.provider, ProviderFor(tt.model))
			assert.Equal(t, tt.id, ModelID(tt.model))
		})
	}
}

func TestAPIKeyRotation(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	SetDecryptedSecrets(nil)
	t.Setenv("OPENAI_API_KEY", "key-0")
	t.Setenv("OPENAI_API_KEY_1", "key-1")
	t.Setenv("OPENAI_API_KEY_2", "key-2")
	t.Setenv("OPENAI_API_KEY_4", "after-gap")

	assert.Equal(t, []string{"key-0", "key-1", "key-2"}, APIKeys(ProviderOpenAI))
	for i, want := range []string{"key-0", "key-1", "key-2", "key-0"} {
		got, err := APIKey(ProviderOpenAI, i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	key, err := APIKey(ProviderOllama, 0)
	require.NoError(t, err)
	assert.Empty(t, key, "ollama needs no key")
}

func TestAPIKeyMissing(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	SetDecryptedSecrets(nil)
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := APIKey(ProviderAnthropic, 0)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}
