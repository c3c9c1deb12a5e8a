// Package config loads and validates hdlforge configuration.
//
// Values come from hdlforge.yaml, then HDLFORGE_* environment variables, then bound
// command-line flags, in increasing order of precedence. A configuration that fails
// validation is fatal: nothing starts.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks a configuration error. It aborts a run before any actor starts.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete hdlforge configuration.
type Config struct {
	Agents      AgentsConfig      `mapstructure:"agents" yaml:"agents"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Knowledge   KnowledgeConfig   `mapstructure:"knowledge" yaml:"knowledge"`
	Experiments ExperimentsConfig `mapstructure:"experiments" yaml:"experiments"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Recorder    RecorderConfig    `mapstructure:"recorder" yaml:"recorder"`
}

// AgentsConfig holds the correction budgets.
type AgentsConfig struct {
	MaxGenerationRetries int `mapstructure:"max_generation_retries" yaml:"max_generation_retries" validate:"gte=0,lte=20"`
	MaxAutoFixAttempts   int `mapstructure:"max_auto_fix_attempts" yaml:"max_auto_fix_attempts" validate:"gte=0,lte=20"`
}

// ExecutorConfig describes the external toolchain. Command templates may use the
// placeholders {output}, {artifact}, {checks} and {binary}.
type ExecutorConfig struct {
	CompileCommand []string      `mapstructure:"compile_command" yaml:"compile_command" validate:"min=1,dive,required"`
	RunCommand     []string      `mapstructure:"run_command" yaml:"run_command" validate:"min=1,dive,required"`
	PassMarker     string        `mapstructure:"pass_marker" yaml:"pass_marker" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxFailures    int           `mapstructure:"max_failures" yaml:"max_failures" validate:"gte=1"`
}

// LLMConfig selects the model and the resilience settings of its client.
type LLMConfig struct {
	Model             string        `mapstructure:"model" yaml:"model" validate:"required"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	OllamaHost        string        `mapstructure:"ollama_host" yaml:"ollama_host" validate:"omitempty,url"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gt=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	TokensPerMinute   int           `mapstructure:"tokens_per_minute" yaml:"tokens_per_minute" validate:"gte=0"`
}

// KnowledgeConfig configures the retrieval service.
type KnowledgeConfig struct {
	DBPath         string `mapstructure:"db_path" yaml:"db_path" validate:"required_if=Enabled true"`
	SeedDir        string `mapstructure:"seed_dir" yaml:"seed_dir"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
	TopK           int    `mapstructure:"top_k" yaml:"top_k" validate:"gte=1"`
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
}

// ExperimentsConfig configures discovery and scheduling of experiments.
type ExperimentsConfig struct {
	Root    string `mapstructure:"root" yaml:"root" validate:"required"`
	Output  string `mapstructure:"output" yaml:"output" validate:"required"`
	MaxRuns int    `mapstructure:"max_runs" yaml:"max_runs" validate:"gte=1"`
	Workers int    `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=64"`
}

// StorageConfig locates the result database.
type StorageConfig struct {
	ResultsDB string `mapstructure:"results_db" yaml:"results_db" validate:"required"`
}

// MetricsConfig configures Prometheus exposure and querying.
type MetricsConfig struct {
	Listen        string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
	PrometheusURL string `mapstructure:"prometheus_url" yaml:"prometheus_url" validate:"omitempty,url"`
}

// RecorderConfig configures the result recorder.
type RecorderConfig struct {
	LLMSummary bool `mapstructure:"llm_summary" yaml:"llm_summary"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Agents: AgentsConfig{
			MaxGenerationRetries: 2,
			MaxAutoFixAttempts:   2,
		},
		Executor: ExecutorConfig{
			CompileCommand: []string{"iverilog", "-o", "{output}", "{artifact}", "{checks}"},
			RunCommand:     []string{"vvp", "{binary}"},
			PassMarker:     "All tests passed",
			Timeout:        2 * time.Second,
			MaxFailures:    10,
		},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			OllamaHost:        "http://localhost:11434",
			Temperature:       0.7,
			MaxTokens:         4096,
			RequestTimeout:    30 * time.Second,
			MaxAttempts:       3,
			RequestsPerSecond: 2,
		},
		Knowledge: KnowledgeConfig{
			Enabled:        true,
			DBPath:         "knowledge/knowledge.db",
			SeedDir:        "knowledge/seed",
			EmbeddingModel: "nomic-embed-text",
			TopK:           3,
		},
		Experiments: ExperimentsConfig{
			Root:    "./TC/Datasets-TC",
			Output:  "./experiments_output",
			MaxRuns: 10,
			Workers: 4,
		},
		Storage: StorageConfig{ResultsDB: "results.db"},
		Metrics: MetricsConfig{PrometheusURL: "http://localhost:9090"},
	}
}

// Validate checks struct constraints and returns an ErrInvalidConfig error listing
// every violated field.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
