package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	DLQ       DLQConfig       `yaml:"dlq" mapstructure:"dlq"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and sizes the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig configures the extraction service.
type AnthropicConfig struct {
	Key                 string  `yaml:"key" mapstructure:"key"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	Model               string  `yaml:"model" mapstructure:"model"`
	MaxTokens           int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxBatchSize        int     `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	SmallBatchThreshold int     `yaml:"small_batch_threshold" mapstructure:"small_batch_threshold"`
	NoBatch             bool    `yaml:"no_batch" mapstructure:"no_batch"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	RequestTimeoutSecs  int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// PipelineConfig configures record processing.
type PipelineConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	SanitizeMaxChars int `yaml:"sanitize_max_chars" mapstructure:"sanitize_max_chars"`
	// IncompleteThreshold is the fraction of declared attributes that must
	// be usable for a record to produce Gold output.
	IncompleteThreshold float64 `yaml:"incomplete_threshold" mapstructure:"incomplete_threshold"`
	// CompletenessThreshold costs one confidence point when completeness
	// falls under it.
	CompletenessThreshold float64 `yaml:"completeness_threshold" mapstructure:"completeness_threshold"`
	RoundNumberMargin     float64 `yaml:"round_number_margin" mapstructure:"round_number_margin"`
	RoundNumberMinValues  int     `yaml:"round_number_min_values" mapstructure:"round_number_min_values"`
	AttributesPath        string  `yaml:"attributes_path" mapstructure:"attributes_path"`
}

// RetryConfig configures retry behavior for extraction calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// CacheConfig configures the extraction response cache.
type CacheConfig struct {
	ExtractionTTLHours int `yaml:"extraction_ttl_hours" mapstructure:"extraction_ttl_hours"`
}

// OutputConfig names the JSON Lines outputs of a run.
type OutputConfig struct {
	GoldPath     string `yaml:"gold_path" mapstructure:"gold_path"`
	FailuresPath string `yaml:"failures_path" mapstructure:"failures_path"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from a .env file, config.yaml and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REFINERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "refinery.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.max_batch_size", 100)
	v.SetDefault("anthropic.small_batch_threshold", 3)
	v.SetDefault("anthropic.no_batch", false)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.request_timeout_secs", 120)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.sanitize_max_chars", 3000)
	v.SetDefault("pipeline.incomplete_threshold", 0.2)
	v.SetDefault("pipeline.completeness_threshold", 0.5)
	v.SetDefault("pipeline.round_number_margin", 0.35)
	v.SetDefault("pipeline.round_number_min_values", 4)
	v.SetDefault("pipeline.attributes_path", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("cache.extraction_ttl_hours", 24*30)
	v.SetDefault("output.gold_path", "gold.jsonl")
	v.SetDefault("output.failures_path", "failures.jsonl")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "run"
// (needsExtraction reports whether the input carries listing markup),
// "retry", "serve", "report" and "store".
func (c *Config) Validate(mode string, needsExtraction ...bool) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	p := c.Pipeline
	if p.Workers < 1 || p.Workers > 256 {
		errs = append(errs, "pipeline.workers must be between 1 and 256")
	}
	if p.SanitizeMaxChars < 200 {
		errs = append(errs, "pipeline.sanitize_max_chars must be >= 200")
	}
	if p.IncompleteThreshold < 0 || p.IncompleteThreshold > 1 {
		errs = append(errs, "pipeline.incomplete_threshold must be between 0 and 1")
	}
	if p.CompletenessThreshold < 0 || p.CompletenessThreshold > 1 {
		errs = append(errs, "pipeline.completeness_threshold must be between 0 and 1")
	}
	if p.RoundNumberMargin < 0 || p.RoundNumberMargin > 1 {
		errs = append(errs, "pipeline.round_number_margin must be between 0 and 1")
	}
	if p.RoundNumberMinValues < 1 {
		errs = append(errs, "pipeline.round_number_min_values must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be between 0 and 1")
	}

	switch mode {
	case "run", "retry":
		extraction := mode == "retry" || (len(needsExtraction) > 0 && needsExtraction[0])
		if extraction && c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.MaxBatchSize < 1 || c.Anthropic.MaxBatchSize > 100000 {
			errs = append(errs, "anthropic.max_batch_size must be between 1 and 100000")
		}
		if c.Output.GoldPath == "" {
			errs = append(errs, "output.gold_path is required")
		}
		if c.Output.FailuresPath == "" {
			errs = append(errs, "output.failures_path is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "report", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
