package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Model     ModelConfig     `mapstructure:"model"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig selects the durable key-value backend
type StorageConfig struct {
	Type        string `mapstructure:"type"` // "memory", "file", "redis" or "postgres"
	Path        string `mapstructure:"path"`
	RedisURL    string `mapstructure:"redis_url"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// CacheConfig holds prediction cache and error log configuration
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ErrorLogSize  int           `mapstructure:"error_log_size"`
	ErrorLogTTL   time.Duration `mapstructure:"error_log_ttl"`
}

// ModelConfig holds model service configuration
type ModelConfig struct {
	Name                string        `mapstructure:"name"`
	InferenceTimeout    time.Duration `mapstructure:"inference_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff"`
	MaxTrainingSamples  int           `mapstructure:"max_training_samples"`
	RetrainEvery        int           `mapstructure:"retrain_every"`
	MinTrainingSamples  int           `mapstructure:"min_training_samples"`
	Epochs              int           `mapstructure:"epochs"`
	ValidationSplit     float64       `mapstructure:"validation_split"`
	LearningRate        float64       `mapstructure:"learning_rate"`
	HistorySize         int           `mapstructure:"history_size"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
}

// ScoringConfig holds heuristic scoring configuration
type ScoringConfig struct {
	FallbackConfidence float64 `mapstructure:"fallback_confidence"`
	KeywordTable       string  `mapstructure:"keyword_table"` // optional YAML file
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	PerIP int `mapstructure:"per_ip"` // requests per minute
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/greenscore/")

	// Environment variable settings
	v.SetEnvPrefix("GREENSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional - will use env vars if file doesn't exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"chrome-extension://*"})

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "greenscore-state.json")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.postgres_dsn", "")

	// Cache defaults
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.sweep_interval", "1h")
	v.SetDefault("cache.error_log_size", 100)
	v.SetDefault("cache.error_log_ttl", "168h") // 7 days

	// Model defaults
	v.SetDefault("model.name", "sustainability-model")
	v.SetDefault("model.inference_timeout", "5s")
	v.SetDefault("model.max_retries", 3)
	v.SetDefault("model.base_backoff", "100ms")
	v.SetDefault("model.max_training_samples", 1000)
	v.SetDefault("model.retrain_every", 10)
	v.SetDefault("model.min_training_samples", 10)
	v.SetDefault("model.epochs", 50)
	v.SetDefault("model.validation_split", 0.2)
	v.SetDefault("model.learning_rate", 0.05)
	v.SetDefault("model.history_size", 100)
	v.SetDefault("model.confidence_threshold", 0.8)

	// Scoring defaults
	v.SetDefault("scoring.fallback_confidence", 0.6)
	v.SetDefault("scoring.keyword_table", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.refresh_interval", "1h")

	// Rate limit defaults
	v.SetDefault("ratelimit.per_ip", 100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// validate validates the configuration
func validate(config *Config) error {
	switch config.Storage.Type {
	case "memory":
	case "file":
		if config.Storage.Path == "" {
			return fmt.Errorf("storage path is required when storage type is 'file'")
		}
	case "redis":
		if config.Storage.RedisURL == "" {
			return fmt.Errorf("Redis URL is required when storage type is 'redis'")
		}
	case "postgres":
		if config.Storage.PostgresDSN == "" {
			return fmt.Errorf("Postgres DSN is required when storage type is 'postgres'")
		}
	default:
		return fmt.Errorf("storage type must be 'memory', 'file', 'redis' or 'postgres', got: %s", config.Storage.Type)
	}

	if config.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got: %s", config.Cache.TTL)
	}
	if config.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max_entries must be positive, got: %d", config.Cache.MaxEntries)
	}
	if config.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep_interval must be positive, got: %s", config.Cache.SweepInterval)
	}
	if config.Metrics.RefreshInterval <= 0 {
		return fmt.Errorf("metrics refresh_interval must be positive, got: %s", config.Metrics.RefreshInterval)
	}
	if config.Model.InferenceTimeout <= 0 {
		return fmt.Errorf("model inference_timeout must be positive, got: %s", config.Model.InferenceTimeout)
	}
	if config.Model.MaxRetries < 1 {
		return fmt.Errorf("model max_retries must be at least 1, got: %d", config.Model.MaxRetries)
	}
	if config.Model.ValidationSplit <= 0 || config.Model.ValidationSplit >= 1 {
		return fmt.Errorf("model validation_split must be in (0,1), got: %v", config.Model.ValidationSplit)
	}
	if config.Scoring.FallbackConfidence < 0 || config.Scoring.FallbackConfidence > 1 {
		return fmt.Errorf("scoring fallback_confidence must be in [0,1], got: %v", config.Scoring.FallbackConfidence)
	}

	return nil
}

// loadEnvFile reads KEY=VALUE pairs from ./.env into the process environment.
// Variables that are already set win over the file.
func loadEnvFile() error {
	f, err := os.Open(".env")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}

	return scanner.Err()
}
