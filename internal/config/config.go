// Package config loads platform configuration: an optional YAML file with
// environment overrides on top, validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all evoforge configuration.
type Config struct {
	// DataDir is the root for checkpoints.db, audit/, artifacts/, modules/.
	DataDir string `yaml:"data_dir" validate:"required"`

	OrgID string `yaml:"org_id"`

	// PolicyProfile is the default sandbox profile for builds.
	PolicyProfile string `yaml:"policy_profile" validate:"oneof=default module_validation integration_test"`

	// ObservabilityMode selects the logging mode: shipping or debug.
	ObservabilityMode string `yaml:"observability_mode" validate:"oneof=shipping debug"`

	Build     BuildConfig      `yaml:"build"`
	Retry     RetryConfig      `yaml:"retry"`
	Providers []ProviderConfig `yaml:"providers"`
	Agent     AgentConfig      `yaml:"agent"`
}

// BuildConfig bounds the self-evolution pipeline.
type BuildConfig struct {
	MaxRepairAttempts   int     `yaml:"max_repair_attempts" validate:"min=0,max=100"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"min=0,max=1"`
}

// RetryConfig configures gateway retry/backoff.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" validate:"min=1"`
	BaseDelayMS    int     `yaml:"base_delay_ms" validate:"min=1"`
	CapMS          int     `yaml:"cap_ms" validate:"min=1"`
	JitterFraction float64 `yaml:"jitter_fraction" validate:"min=0,max=1"`
}

// ProviderConfig declares one model endpoint for the gateway.
type ProviderConfig struct {
	Name      string   `yaml:"name" validate:"required"`
	Kind      string   `yaml:"kind" validate:"oneof=gemini openai"`
	Model     string   `yaml:"model" validate:"required"`
	APIKeyEnv string   `yaml:"api_key_env"`
	BaseURL   string   `yaml:"base_url"`
	Priority  int      `yaml:"priority"`
	Purposes  []string `yaml:"purposes" validate:"dive,oneof=CODEGEN REPAIR CRITIC CHAT"`
}

// AgentConfig bounds conversations.
type AgentConfig struct {
	HopBudget int `yaml:"hop_budget" validate:"min=1"`
	MaxCycles int `yaml:"max_cycles" validate:"min=1"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:           filepath.Join(home, ".evoforge"),
		OrgID:             "default",
		PolicyProfile:     "default",
		ObservabilityMode: "shipping",
		Build: BuildConfig{
			MaxRepairAttempts:   10,
			ConfidenceThreshold: 0.6,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BaseDelayMS:    1000,
			CapMS:          30000,
			JitterFraction: 0.5,
		},
		Agent: AgentConfig{
			HopBudget: 5,
			MaxCycles: 3,
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from path, falling back to defaults when the
// file is absent, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies EVOFORGE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EVOFORGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("EVOFORGE_ORG_ID"); v != "" {
		c.OrgID = v
	}
	if v := os.Getenv("EVOFORGE_POLICY_PROFILE"); v != "" {
		c.PolicyProfile = v
	}
	if v := os.Getenv("EVOFORGE_OBSERVABILITY_MODE"); v != "" {
		c.ObservabilityMode = v
	}
	if n, ok := envInt("EVOFORGE_MAX_REPAIR_ATTEMPTS"); ok {
		c.Build.MaxRepairAttempts = n
	}
	if n, ok := envInt("EVOFORGE_RETRY_MAX_ATTEMPTS"); ok {
		c.Retry.MaxAttempts = n
	}
	if n, ok := envInt("EVOFORGE_RETRY_BASE_DELAY_MS"); ok {
		c.Retry.BaseDelayMS = n
	}
	if n, ok := envInt("EVOFORGE_RETRY_CAP_MS"); ok {
		c.Retry.CapMS = n
	}
	if f, ok := envFloat("EVOFORGE_RETRY_JITTER_FRACTION"); ok {
		c.Retry.JitterFraction = f
	}
	if n, ok := envInt("EVOFORGE_HOP_BUDGET"); ok {
		c.Agent.HopBudget = n
	}
	if n, ok := envInt("EVOFORGE_MAX_CYCLES"); ok {
		c.Agent.MaxCycles = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
