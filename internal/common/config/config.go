// Package config provides unified configuration for agentbridge.
//
// Configuration is resolved from defaults, an optional config.yaml, and
// AGENTBRIDGE_-prefixed environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the agentbridge configuration.
type Config struct {
	// Agent configures the child agent subprocess.
	Agent AgentConfig `mapstructure:"agent"`

	// Pool configures the pre-warmed auxiliary worker pool.
	Pool PoolConfig `mapstructure:"pool"`

	// Sessions configures the disk-backed session index.
	Sessions SessionsConfig `mapstructure:"sessions"`

	// Logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`
}

// AgentConfig holds child subprocess settings.
type AgentConfig struct {
	// Command is the agent binary (default "claude"). Overridable via
	// AGENTBRIDGE_AGENT_COMMAND.
	Command string `mapstructure:"command"`

	// ExtraArgs are appended to the fixed framing flags.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// Model is the default model identifier ("" lets the agent choose).
	Model string `mapstructure:"model"`

	// FallbackModel is used by the agent when the primary is overloaded.
	FallbackModel string `mapstructure:"fallbackModel"`

	// MaxTurns bounds agentic turns per prompt (0 = agent default).
	MaxTurns int `mapstructure:"maxTurns"`

	// MaxBudgetUSD bounds spend per prompt (0 = unlimited).
	MaxBudgetUSD float64 `mapstructure:"maxBudgetUsd"`

	// MaxThinkingTokens bounds extended thinking (0 = agent default).
	MaxThinkingTokens int `mapstructure:"maxThinkingTokens"`

	// DefaultWorkdir is used when a new-session request carries no cwd.
	// Defaults to the bridge's own working directory.
	DefaultWorkdir string `mapstructure:"defaultWorkdir"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	// Size is the number of workers spawned at warmup.
	Size int `mapstructure:"size"`

	// MaxSize is the soft cap including overflow workers.
	MaxSize int `mapstructure:"maxSize"`

	// MaxUses recycles a worker after this many queries.
	MaxUses int `mapstructure:"maxUses"`

	// SystemPrompt is fixed for all workers in the pool.
	SystemPrompt string `mapstructure:"systemPrompt"`
}

// SessionsConfig holds session index settings.
type SessionsConfig struct {
	// IndexDir is the directory holding per-workdir sqlite indexes.
	// Defaults to ~/.agentbridge.
	IndexDir string `mapstructure:"indexDir"`
}

// LoggingConfig mirrors logger.LoggingConfig for viper unmarshaling.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.fallbackModel", "")
	v.SetDefault("agent.maxTurns", 0)
	v.SetDefault("agent.maxBudgetUsd", 0.0)
	v.SetDefault("agent.maxThinkingTokens", 0)
	v.SetDefault("agent.defaultWorkdir", defaultWorkdir())

	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.maxSize", 4)
	v.SetDefault("pool.maxUses", 10)
	v.SetDefault("pool.systemPrompt", "")

	v.SetDefault("sessions.indexDir", defaultIndexDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

func defaultWorkdir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func defaultIndexDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentbridge"
	}
	return home + "/.agentbridge"
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBRIDGE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.command", "AGENTBRIDGE_AGENT_COMMAND")
	_ = v.BindEnv("agent.maxTurns", "AGENTBRIDGE_AGENT_MAX_TURNS")
	_ = v.BindEnv("agent.maxBudgetUsd", "AGENTBRIDGE_AGENT_MAX_BUDGET_USD")
	_ = v.BindEnv("pool.maxUses", "AGENTBRIDGE_POOL_MAX_USES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that cannot be expressed as defaults.
func validate(cfg *Config) error {
	var errs []string
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command must not be empty")
	}
	if cfg.Pool.Size < 0 || cfg.Pool.MaxSize < cfg.Pool.Size {
		errs = append(errs, "pool.maxSize must be >= pool.size")
	}
	if cfg.Pool.MaxUses < 1 {
		errs = append(errs, "pool.maxUses must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
