package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RedisConfig holds the store connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Config holds the application configuration.
type Config struct {
	Redis                RedisConfig   `yaml:"redis"`
	APIToken             string        `yaml:"api_token"`
	APIPort              int           `yaml:"api_port"`
	MetricsPort          int           `yaml:"metrics_port"`
	DefaultConcurrency   int           `yaml:"default_concurrency"`
	DefaultRetryAttempts int           `yaml:"default_retry_attempts"`
	DefaultRetryDelayMS  int64         `yaml:"default_retry_delay_ms"`
	WebhookTimeoutMS     int64         `yaml:"webhook_timeout_ms"`
	WebhookRetryAttempts int           `yaml:"webhook_retry_attempts"`
	StalledAfter         time.Duration `yaml:"stalled_after"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
	Tracing              TracingConfig `yaml:"tracing"`
}

// Load loads the configuration from a YAML file and environment variables.
// Environment variables win over the file; REDIS_HOST and API_TOKEN are
// required.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		Redis:                RedisConfig{Port: 6379},
		APIPort:              8080,
		MetricsPort:          9090,
		DefaultConcurrency:   5,
		DefaultRetryAttempts: 3,
		DefaultRetryDelayMS:  1000,
		WebhookTimeoutMS:     30000,
		WebhookRetryAttempts: 3,
		ShutdownTimeout:      30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
		Tracing:              TracingConfig{Endpoint: "localhost:4318"},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, we can proceed with env vars and defaults
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	}

	applyEnv(config)

	if config.Redis.Host == "" {
		return nil, fmt.Errorf("REDIS_HOST is required")
	}
	if config.APIToken == "" {
		return nil, fmt.Errorf("API_TOKEN is required")
	}

	return config, nil
}

func applyEnv(config *Config) {
	if host, exists := os.LookupEnv("REDIS_HOST"); exists {
		config.Redis.Host = host
	}
	if port, exists := os.LookupEnv("REDIS_PORT"); exists {
		if val, err := strconv.Atoi(port); err == nil {
			config.Redis.Port = val
		}
	}
	if password, exists := os.LookupEnv("REDIS_PASSWORD"); exists {
		config.Redis.Password = password
	}
	if db, exists := os.LookupEnv("REDIS_DB"); exists {
		if val, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = val
		}
	}
	if token, exists := os.LookupEnv("API_TOKEN"); exists {
		config.APIToken = token
	}
	if port, exists := os.LookupEnv("API_PORT"); exists {
		if val, err := strconv.Atoi(port); err == nil {
			config.APIPort = val
		}
	}
	if port, exists := os.LookupEnv("METRICS_PORT"); exists {
		if val, err := strconv.Atoi(port); err == nil {
			config.MetricsPort = val
		}
	}
	if concurrency, exists := os.LookupEnv("DEFAULT_CONCURRENCY"); exists {
		if val, err := strconv.Atoi(concurrency); err == nil {
			config.DefaultConcurrency = val
		}
	}
	if attempts, exists := os.LookupEnv("DEFAULT_RETRY_ATTEMPTS"); exists {
		if val, err := strconv.Atoi(attempts); err == nil {
			config.DefaultRetryAttempts = val
		}
	}
	if delay, exists := os.LookupEnv("DEFAULT_RETRY_DELAY_MS"); exists {
		if val, err := strconv.ParseInt(delay, 10, 64); err == nil {
			config.DefaultRetryDelayMS = val
		}
	}
	if timeout, exists := os.LookupEnv("WEBHOOK_TIMEOUT_MS"); exists {
		if val, err := strconv.ParseInt(timeout, 10, 64); err == nil {
			config.WebhookTimeoutMS = val
		}
	}
	if attempts, exists := os.LookupEnv("WEBHOOK_RETRY_ATTEMPTS"); exists {
		if val, err := strconv.Atoi(attempts); err == nil {
			config.WebhookRetryAttempts = val
		}
	}
	if stalled, exists := os.LookupEnv("STALLED_AFTER"); exists {
		if val, err := time.ParseDuration(stalled); err == nil {
			config.StalledAfter = val
		}
	}
	if level, exists := os.LookupEnv("LOG_LEVEL"); exists {
		config.LogLevel = level
	}
	if format, exists := os.LookupEnv("LOG_FORMAT"); exists {
		config.LogFormat = format
	}
	if endpoint, exists := os.LookupEnv("TRACING_ENDPOINT"); exists {
		config.Tracing.Endpoint = endpoint
	}
	if enabled, exists := os.LookupEnv("TRACING_ENABLED"); exists {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Tracing.Enabled = val
		}
	}
}
