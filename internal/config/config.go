// Package config loads solver configuration from YAML with environment
// overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all msolve configuration.
type Config struct {
	// Oracle configuration
	Oracle OracleConfig `yaml:"oracle"`

	// Solver loop settings
	Solver SolverConfig `yaml:"solver"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// OracleConfig configures the external text oracle.
type OracleConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SolverConfig configures the scheduler loop and the orchestrator.
type SolverConfig struct {
	MaxIters           int    `yaml:"max_iters"`
	QAMaxRetries       int    `yaml:"qa_max_retries"`
	VerificationPolicy string `yaml:"verification_policy"` // strict, opportunistic, strict+epilogue
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Model:   "gemini-2.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: "120s",
		},
		Solver: SolverConfig{
			MaxIters:           24,
			QAMaxRetries:       5,
			VerificationPolicy: "strict",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}
}

func (c *Config) validate() error {
	switch c.Solver.VerificationPolicy {
	case "strict", "opportunistic", "strict+epilogue":
	default:
		return fmt.Errorf("unknown verification_policy %q", c.Solver.VerificationPolicy)
	}
	if c.Solver.MaxIters <= 0 {
		return fmt.Errorf("max_iters must be positive, got %d", c.Solver.MaxIters)
	}
	if c.Solver.QAMaxRetries <= 0 {
		return fmt.Errorf("qa_max_retries must be positive, got %d", c.Solver.QAMaxRetries)
	}
	if _, err := c.OracleTimeout(); err != nil {
		return err
	}
	return nil
}

// OracleTimeout parses the oracle timeout string.
func (c *Config) OracleTimeout() (time.Duration, error) {
	if c.Oracle.Timeout == "" {
		return 120 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid oracle timeout %q: %w", c.Oracle.Timeout, err)
	}
	return d, nil
}
