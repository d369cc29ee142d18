package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/taskpilot/internal/execution/recovery"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills unset fields.
func (c *AppConfig) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Runner.MaxSteps == 0 {
		c.Runner.MaxSteps = 100
	}
	if c.Runner.MaxConsecutiveFailures == 0 {
		c.Runner.MaxConsecutiveFailures = 3
	}
	if c.Runner.LoopWindow == 0 {
		c.Runner.LoopWindow = recovery.DefaultLoopWindow
	}
	c.Retry = c.Retry.WithDefaults()

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverFile && c.Storage.Dir == "" {
		c.Storage.Dir = "task_history"
	}
}

// Validate rejects settings the runner cannot work with.
func (c *AppConfig) Validate() error {
	if c.Runner.MaxSteps < 0 {
		return fmt.Errorf("runner.max_steps must be positive, got %d", c.Runner.MaxSteps)
	}
	if c.Runner.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("runner.max_consecutive_failures must be positive, got %d", c.Runner.MaxConsecutiveFailures)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative, got %s", c.Storage.Retention)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1, got %v", c.Retry.BackoffFactor)
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverFile:
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("storage driver %q requires database.url", c.Storage.Driver)
		}
	case DriverRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("storage driver %q requires redis.url", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
