package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the job control plane server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Events   EventsConfig   `yaml:"events"`
	Registry RegistryConfig `yaml:"registry"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
	// RateLimitPerMinute caps worker requests per machine and minute.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// JobsConfig tunes job creation and the self-heal sweep.
type JobsConfig struct {
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	DefaultMaxAttempts  int           `yaml:"default_max_attempts"`
	SchemaRetries       int           `yaml:"schema_retries"`
	SchemaRetryDelay    time.Duration `yaml:"schema_retry_delay"`
	// ExternalServices are dispatched to ExternalCallQueue instead of being polled.
	ExternalServices    []string      `yaml:"external_services"`
	ExternalCallQueue   string        `yaml:"external_call_queue"`
	RunResumeQueue      string        `yaml:"run_resume_queue"`
	SelfHealInterval    time.Duration `yaml:"self_heal_interval"`
	SelfHealConcurrency int           `yaml:"self_heal_concurrency"`
	MachineStallTimeout time.Duration `yaml:"machine_stall_timeout"`
}

type EventsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

type RegistryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			Env:                "development",
			RateLimitPerMinute: 600,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			DefaultTimeout:      30 * time.Second,
			DefaultMaxAttempts:  1,
			SchemaRetries:       3,
			SchemaRetryDelay:    time.Second,
			ExternalCallQueue:   "external-tool-calls",
			RunResumeQueue:      "run-resume",
			SelfHealInterval:    5 * time.Second,
			SelfHealConcurrency: 10,
			MachineStallTimeout: 90 * time.Second,
		},
		Events: EventsConfig{
			FlushInterval: time.Second,
			BufferSize:    10000,
		},
		Registry: RegistryConfig{
			CacheTTL: time.Minute,
		},
	}
}

// Load reads configuration and returns a validated Config. Values come from
// Defaults, then the YAML file named by CONTROLPLANE_CONFIG_FILE (if set),
// then environment variables.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONTROLPLANE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Server.Port = envInt("CONTROLPLANE_PORT", cfg.Server.Port)
	cfg.Server.Env = envString("CONTROLPLANE_ENV", cfg.Server.Env)
	cfg.Server.RateLimitPerMinute = envInt("CONTROLPLANE_RATE_LIMIT_PER_MINUTE", cfg.Server.RateLimitPerMinute)

	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	cfg.Redis.URL = envString("REDIS_URL", cfg.Redis.URL)

	cfg.Jobs.DefaultTimeout = envDurationSecs("JOB_DEFAULT_TIMEOUT_SECS", cfg.Jobs.DefaultTimeout)
	cfg.Jobs.DefaultMaxAttempts = envInt("JOB_DEFAULT_MAX_ATTEMPTS", cfg.Jobs.DefaultMaxAttempts)
	cfg.Jobs.SchemaRetries = envInt("JOB_SCHEMA_RETRIES", cfg.Jobs.SchemaRetries)
	cfg.Jobs.SchemaRetryDelay = envDuration("JOB_SCHEMA_RETRY_DELAY", cfg.Jobs.SchemaRetryDelay)
	cfg.Jobs.ExternalServices = envList("JOB_EXTERNAL_SERVICES", cfg.Jobs.ExternalServices)
	cfg.Jobs.ExternalCallQueue = envString("JOB_EXTERNAL_CALL_QUEUE", cfg.Jobs.ExternalCallQueue)
	cfg.Jobs.RunResumeQueue = envString("JOB_RUN_RESUME_QUEUE", cfg.Jobs.RunResumeQueue)
	cfg.Jobs.SelfHealInterval = envDuration("SELF_HEAL_INTERVAL", cfg.Jobs.SelfHealInterval)
	cfg.Jobs.SelfHealConcurrency = envInt("SELF_HEAL_CONCURRENCY", cfg.Jobs.SelfHealConcurrency)
	cfg.Jobs.MachineStallTimeout = envDuration("MACHINE_STALL_TIMEOUT", cfg.Jobs.MachineStallTimeout)

	cfg.Events.FlushInterval = envDuration("EVENTS_FLUSH_INTERVAL", cfg.Events.FlushInterval)
	cfg.Events.BufferSize = envInt("EVENTS_BUFFER_SIZE", cfg.Events.BufferSize)

	cfg.Registry.CacheTTL = envDuration("REGISTRY_CACHE_TTL", cfg.Registry.CacheTTL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// IsExternal reports whether jobs for service are dispatched to the external call queue.
func (c JobsConfig) IsExternal(service string) bool {
	for _, s := range c.ExternalServices {
		if s == service {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Jobs.DefaultTimeout < time.Second {
		return fmt.Errorf("JOB_DEFAULT_TIMEOUT_SECS must be at least 1s, got %s", c.Jobs.DefaultTimeout)
	}
	if c.Jobs.DefaultMaxAttempts < 1 {
		return fmt.Errorf("JOB_DEFAULT_MAX_ATTEMPTS must be at least 1, got %d", c.Jobs.DefaultMaxAttempts)
	}
	if c.Jobs.SchemaRetries < 0 {
		return fmt.Errorf("JOB_SCHEMA_RETRIES must not be negative, got %d", c.Jobs.SchemaRetries)
	}
	if c.Jobs.SchemaRetryDelay < 0 {
		return fmt.Errorf("JOB_SCHEMA_RETRY_DELAY must not be negative, got %s", c.Jobs.SchemaRetryDelay)
	}
	if len(c.Jobs.ExternalServices) > 0 && c.Jobs.ExternalCallQueue == "" {
		return fmt.Errorf("JOB_EXTERNAL_CALL_QUEUE is required when JOB_EXTERNAL_SERVICES is set")
	}
	if c.Jobs.RunResumeQueue == "" {
		return fmt.Errorf("JOB_RUN_RESUME_QUEUE is required")
	}
	if c.Jobs.SelfHealInterval < time.Second {
		return fmt.Errorf("SELF_HEAL_INTERVAL must be at least 1s, got %s", c.Jobs.SelfHealInterval)
	}
	if c.Jobs.SelfHealConcurrency < 1 {
		return fmt.Errorf("SELF_HEAL_CONCURRENCY must be at least 1, got %d", c.Jobs.SelfHealConcurrency)
	}
	if c.Jobs.MachineStallTimeout <= 0 {
		return fmt.Errorf("MACHINE_STALL_TIMEOUT must be positive, got %s", c.Jobs.MachineStallTimeout)
	}

	if c.Events.FlushInterval < time.Second {
		return fmt.Errorf("EVENTS_FLUSH_INTERVAL must be at least 1s, got %s", c.Events.FlushInterval)
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("EVENTS_BUFFER_SIZE must be at least 1, got %d", c.Events.BufferSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
