package config

import (
	"time"

	"github.com/vietddude/taskpilot/internal/execution/recovery"
	redisclient "github.com/vietddude/taskpilot/internal/infra/redis"
	"github.com/vietddude/taskpilot/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Runner   RunnerConfig       `yaml:"runner"`
	Retry    recovery.Config    `yaml:"retry"`
	Storage  StorageConfig      `yaml:"storage"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RunnerConfig holds step loop limits.
type RunnerConfig struct {
	MaxSteps               int  `yaml:"max_steps"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	LoopWindow             int  `yaml:"loop_window"`
	ValidateOutput         bool `yaml:"validate_output"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StorageConfig selects where execution history lives.
type StorageConfig struct {
	Driver    string        `yaml:"driver"`
	Dir       string        `yaml:"dir"`       // file driver only
	Retention time.Duration `yaml:"retention"` // 0 keeps history forever
}
