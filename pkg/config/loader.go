package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. HDLFORGE_LLM_MODEL.
	EnvPrefix = "HDLFORGE"
	// FileName is the config file name searched for without an explicit path.
	FileName = "hdlforge"
)

// Loader wraps a viper instance so commands can bind flags before loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("agents.max_generation_retries", d.Agents.MaxGenerationRetries)
	v.SetDefault("agents.max_auto_fix_attempts", d.Agents.MaxAutoFixAttempts)

	v.SetDefault("executor.compile_command", d.Executor.CompileCommand)
	v.SetDefault("executor.run_command", d.Executor.RunCommand)
	v.SetDefault("executor.pass_marker", d.Executor.PassMarker)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("executor.max_failures", d.Executor.MaxFailures)

	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.ollama_host", d.LLM.OllamaHost)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.request_timeout", d.LLM.RequestTimeout)
	v.SetDefault("llm.max_attempts", d.LLM.MaxAttempts)
	v.SetDefault("llm.requests_per_second", d.LLM.RequestsPerSecond)
	v.SetDefault("llm.tokens_per_minute", d.LLM.TokensPerMinute)

	v.SetDefault("knowledge.enabled", d.Knowledge.Enabled)
	v.SetDefault("knowledge.db_path", d.Knowledge.DBPath)
	v.SetDefault("knowledge.seed_dir", d.Knowledge.SeedDir)
	v.SetDefault("knowledge.embedding_model", d.Knowledge.EmbeddingModel)
	v.SetDefault("knowledge.top_k", d.Knowledge.TopK)

	v.SetDefault("experiments.root", d.Experiments.Root)
	v.SetDefault("experiments.output", d.Experiments.Output)
	v.SetDefault("experiments.max_runs", d.Experiments.MaxRuns)
	v.SetDefault("experiments.workers", d.Experiments.Workers)

	v.SetDefault("storage.results_db", d.Storage.ResultsDB)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.prometheus_url", d.Metrics.PrometheusURL)
	v.SetDefault("recorder.llm_summary", d.Recorder.LLMSummary)
}

// BindFlag makes a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag for %s: %w", key, err)
	}
	return nil
}

// Load reads the config file at path, or searches . and $HOME/.config/hdlforge when
// path is empty. A missing searched-for file is not an error; a missing explicit file is.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(FileName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", FileName))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config: %w", ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Used reports the config file that was read, if any.
func (l *Loader) Used() string {
	return l.v.ConfigFileUsed()
}

// Load is a shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}
