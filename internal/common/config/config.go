// Package config provides configuration management for Scoutflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Scoutflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default, file at Path) or
// "postgres" (connection built from the remaining fields).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus and disables the consumer.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AccountsConfig holds the portal credential registry configuration.
type AccountsConfig struct {
	File string `mapstructure:"file"` // YAML registry path
}

// SessionsConfig holds browser session pool configuration.
type SessionsConfig struct {
	// PoolMin is the number of sessions prewarmed at startup.
	PoolMin int `mapstructure:"poolMin"`
	// PoolMax caps concurrently open sessions. The effective cap is
	// raised to max(poolMax, poolMin, enabled accounts).
	PoolMax int `mapstructure:"poolMax"`
}

// SchedulerConfig holds task scheduling and batching configuration.
type SchedulerConfig struct {
	// Workers sizes the runner pool. The effective size is raised to the
	// number of registered accounts so every account can run a task.
	Workers int `mapstructure:"workers"`
	// TaskRoot is the directory under which per-task work directories are
	// created (<taskRoot>/<brand>/<name>_<id>).
	TaskRoot string `mapstructure:"taskRoot"`
	// MaxBatches bounds driver invocations per run.
	MaxBatches int `mapstructure:"maxBatches"`
	// PerBatchLimit caps the creator target handed to a single batch.
	PerBatchLimit int `mapstructure:"perBatchLimit"`
	// TaskTimeoutMinutes is the per-task wall-clock fallback. A run still
	// alive past it is recorded as failed.
	TaskTimeoutMinutes int `mapstructure:"taskTimeoutMinutes"`
	// RetrySessionErrors retries a batch on a fresh session after the
	// driver reports its session closed. When false such errors fail the
	// task immediately.
	RetrySessionErrors bool `mapstructure:"retrySessionErrors"`
	// TimeZone interprets naive run_at_time/run_end_time values.
	TimeZone string `mapstructure:"timeZone"`
}

// ConsumerConfig holds JetStream consumer configuration.
type ConsumerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Stream           string `mapstructure:"stream"`
	CompletedSubject string `mapstructure:"completedSubject"`
	UpdatesSubject   string `mapstructure:"updatesSubject"`
	DLQSubject       string `mapstructure:"dlqSubject"`
	// AckMode is "at_least_once" (explicit ack, reject without requeue on
	// failure) or "at_most_once" (no ack, failures go to the DLQ subject).
	AckMode string `mapstructure:"ackMode"`
}

// DriverConfig selects the worker driver implementation.
type DriverConfig struct {
	Name string `mapstructure:"name"` // only "mock" ships in-tree
}

// ExportConfig holds the post-run CSV export sink configuration.
type ExportConfig struct {
	Path string `mapstructure:"path"` // empty disables the sink
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TaskTimeout returns the per-task fallback as a time.Duration.
func (s *SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SCOUTFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/scoutflow.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "scoutflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "scoutflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientName", "scoutflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Accounts defaults
	v.SetDefault("accounts.file", "accounts.yaml")

	// Session pool defaults
	v.SetDefault("sessions.poolMin", 1)
	v.SetDefault("sessions.poolMax", 3)

	// Scheduler defaults
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.taskRoot", "data/tasks")
	v.SetDefault("scheduler.maxBatches", 10)
	v.SetDefault("scheduler.perBatchLimit", 40)
	v.SetDefault("scheduler.taskTimeoutMinutes", 120)
	v.SetDefault("scheduler.retrySessionErrors", true)
	v.SetDefault("scheduler.timeZone", "Asia/Shanghai")

	// Consumer defaults - requires nats.url to be set
	v.SetDefault("consumer.enabled", false)
	v.SetDefault("consumer.stream", "SCOUTFLOW")
	v.SetDefault("consumer.completedSubject", "scoutflow.tasks.completed")
	v.SetDefault("consumer.updatesSubject", "scoutflow.tasks.updates")
	v.SetDefault("consumer.dlqSubject", "scoutflow.tasks.dlq")
	v.SetDefault("consumer.ackMode", "at_least_once")

	// Driver defaults
	v.SetDefault("driver.name", "mock")

	// Export defaults - empty path disables the CSV sink
	v.SetDefault("export.path", "data/export.csv")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SCOUTFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./configs, ~/.scoutflow, or /etc/scoutflow.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SCOUTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.dbName", "SCOUTFLOW_DATABASE_DB_NAME")
	_ = v.BindEnv("sessions.poolMin", "SCOUTFLOW_SESSIONS_POOL_MIN")
	_ = v.BindEnv("sessions.poolMax", "SCOUTFLOW_SESSIONS_POOL_MAX")
	_ = v.BindEnv("scheduler.taskRoot", "SCOUTFLOW_SCHEDULER_TASK_ROOT")
	_ = v.BindEnv("scheduler.maxBatches", "SCOUTFLOW_SCHEDULER_MAX_BATCHES")
	_ = v.BindEnv("scheduler.perBatchLimit", "SCOUTFLOW_SCHEDULER_PER_BATCH_LIMIT")
	_ = v.BindEnv("scheduler.taskTimeoutMinutes", "SCOUTFLOW_SCHEDULER_TASK_TIMEOUT_MINUTES")
	_ = v.BindEnv("scheduler.retrySessionErrors", "SCOUTFLOW_SCHEDULER_RETRY_SESSION_ERRORS")
	_ = v.BindEnv("scheduler.timeZone", "SCOUTFLOW_SCHEDULER_TIME_ZONE")
	_ = v.BindEnv("consumer.ackMode", "SCOUTFLOW_CONSUMER_ACK_MODE")
	_ = v.BindEnv("consumer.completedSubject", "SCOUTFLOW_CONSUMER_COMPLETED_SUBJECT")
	_ = v.BindEnv("consumer.updatesSubject", "SCOUTFLOW_CONSUMER_UPDATES_SUBJECT")
	_ = v.BindEnv("consumer.dlqSubject", "SCOUTFLOW_CONSUMER_DLQ_SUBJECT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".scoutflow"))
	}
	v.AddConfigPath("/etc/scoutflow/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Session pool validation
	if cfg.Sessions.PoolMin < 0 {
		errs = append(errs, "sessions.poolMin must not be negative")
	}
	if cfg.Sessions.PoolMax <= 0 {
		errs = append(errs, "sessions.poolMax must be positive")
	}

	// Scheduler validation
	if cfg.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler.workers must be positive")
	}
	if cfg.Scheduler.TaskRoot == "" {
		errs = append(errs, "scheduler.taskRoot is required")
	}
	if cfg.Scheduler.MaxBatches <= 0 {
		errs = append(errs, "scheduler.maxBatches must be positive")
	}
	if cfg.Scheduler.PerBatchLimit <= 0 {
		errs = append(errs, "scheduler.perBatchLimit must be positive")
	}
	if cfg.Scheduler.TaskTimeoutMinutes <= 0 {
		errs = append(errs, "scheduler.taskTimeoutMinutes must be positive")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.TimeZone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timeZone is not a valid IANA zone: %v", err))
	}

	// Consumer validation - only when enabled
	if cfg.Consumer.Enabled {
		if cfg.NATS.URL == "" {
			errs = append(errs, "nats.url is required when consumer.enabled is true")
		}
		if cfg.Consumer.AckMode != "at_least_once" && cfg.Consumer.AckMode != "at_most_once" {
			errs = append(errs, "consumer.ackMode must be one of: at_least_once, at_most_once")
		}
		if cfg.Consumer.Stream == "" {
			errs = append(errs, "consumer.stream is required when consumer.enabled is true")
		}
		if cfg.Consumer.CompletedSubject == "" || cfg.Consumer.UpdatesSubject == "" {
			errs = append(errs, "consumer.completedSubject and consumer.updatesSubject are required when consumer.enabled is true")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
