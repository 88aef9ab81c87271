// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker configures the per-tier worker fleet. mediapipe-core always runs
// three durable tiers (high/normal/low) with independently tunable
// concurrency and backoff, per spec §4.4 and §4.6.
type Worker struct {
	Concurrency map[string]int     `mapstructure:"concurrency"`
	Backoff     map[string]Backoff `mapstructure:"backoff"`
	MaxRetries  int                `mapstructure:"max_retries"`

	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
	BreakerPause          time.Duration `mapstructure:"breaker_pause"`
	ClaimsPerSecond       int           `mapstructure:"claims_per_second"`

	JobTimeout time.Duration `mapstructure:"job_timeout"`

	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	CompletedMaxItems   int           `mapstructure:"completed_max_items"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"`
	Environment  string        `mapstructure:"environment"`
	SamplingRate float64       `mapstructure:"sampling_rate"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Database configures the Postgres-backed metadata store gateway (C2).
type Database struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ObjectStore configures the S3-compatible object store gateway (C3).
type ObjectStore struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`

	PresignGetTTL time.Duration `mapstructure:"presign_get_ttl"`
	PresignPutTTL time.Duration `mapstructure:"presign_put_ttl"`
}

// Registry holds the action schema directory setting. Nothing in this
// repository loads schemas from SchemaDir; actions register their schemas in
// code.
type Registry struct {
	SchemaDir string `mapstructure:"schema_dir"`
}

// Retention holds the knobs for derived-artifact and record lifetimes.
type Retention struct {
	ResultMediaDays int           `mapstructure:"result_media_days"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StalledFactor   float64       `mapstructure:"stalled_factor"`
}

// HTTPAPI configures the thin REST adapter's listener.
type HTTPAPI struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Database       Database       `mapstructure:"database"`
	ObjectStore    ObjectStore    `mapstructure:"object_store"`
	Registry       Registry       `mapstructure:"registry"`
	Retention      Retention      `mapstructure:"retention"`
	HTTPAPI        HTTPAPI        `mapstructure:"http_api"`
}

// Tiers lists the three durable priority tiers in dispatch order.
var Tiers = []string{"high", "normal", "low"}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			Concurrency: map[string]int{"high": 5, "normal": 5, "low": 5},
			Backoff: map[string]Backoff{
				"high":   {Base: 1 * time.Second, Max: 30 * time.Second},
				"normal": {Base: 2 * time.Second, Max: 60 * time.Second},
				"low":    {Base: 5 * time.Second, Max: 120 * time.Second},
			},
			MaxRetries:            3,
			HeartbeatTTL:          30 * time.Second,
			ProcessingListPattern: "mediapipe:worker:%s:processing",
			HeartbeatKeyPattern:   "mediapipe:heartbeat:worker:%s",
			BRPopLPushTimeout:     1 * time.Second,
			BreakerPause:          100 * time.Millisecond,
			ClaimsPerSecond:       10,
			JobTimeout:            300 * time.Second,
			CompletedRetention:    24 * time.Hour,
			CompletedMaxItems:     1000,
			DeadLetterRetention:   7 * 24 * time.Hour,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Database: Database{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		ObjectStore: ObjectStore{
			Region:        "auto",
			UsePathStyle:  true,
			PresignGetTTL: 15 * time.Minute,
			PresignPutTTL: 15 * time.Minute,
		},
		Registry: Registry{
			SchemaDir: "config/schemas",
		},
		Retention: Retention{
			ResultMediaDays: 30,
			SweepInterval:   1 * time.Minute,
			StalledFactor:   2.0,
		},
		HTTPAPI: HTTPAPI{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from a YAML file with environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.backoff", def.Worker.Backoff)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.processing_list_pattern", def.Worker.ProcessingListPattern)
	v.SetDefault("worker.heartbeat_key_pattern", def.Worker.HeartbeatKeyPattern)
	v.SetDefault("worker.brpoplpush_timeout", def.Worker.BRPopLPushTimeout)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)
	v.SetDefault("worker.claims_per_second", def.Worker.ClaimsPerSecond)
	v.SetDefault("worker.job_timeout", def.Worker.JobTimeout)
	v.SetDefault("worker.completed_retention", def.Worker.CompletedRetention)
	v.SetDefault("worker.completed_max_items", def.Worker.CompletedMaxItems)
	v.SetDefault("worker.dead_letter_retention", def.Worker.DeadLetterRetention)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.use_path_style", def.ObjectStore.UsePathStyle)
	v.SetDefault("object_store.presign_get_ttl", def.ObjectStore.PresignGetTTL)
	v.SetDefault("object_store.presign_put_ttl", def.ObjectStore.PresignPutTTL)

	v.SetDefault("registry.schema_dir", def.Registry.SchemaDir)

	v.SetDefault("retention.result_media_days", def.Retention.ResultMediaDays)
	v.SetDefault("retention.sweep_interval", def.Retention.SweepInterval)
	v.SetDefault("retention.stalled_factor", def.Retention.StalledFactor)

	v.SetDefault("http_api.addr", def.HTTPAPI.Addr)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	for _, tier := range Tiers {
		if cfg.Worker.Concurrency[tier] < 1 {
			return fmt.Errorf("worker.concurrency[%s] must be >= 1", tier)
		}
		if _, ok := cfg.Worker.Backoff[tier]; !ok {
			return fmt.Errorf("worker.backoff missing entry for tier %q", tier)
		}
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.BRPopLPushTimeout <= 0 || cfg.Worker.BRPopLPushTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Retention.ResultMediaDays <= 0 {
		return fmt.Errorf("retention.result_media_days must be > 0")
	}
	return nil
}

// TierQueueKey returns the Redis key for a tier's waiting sorted set.
func TierQueueKey(tier string) string { return fmt.Sprintf("mediapipe:queue:%s", tier) }

// CompletedListKey returns the Redis key for the completed-retention list.
func CompletedListKey() string { return "mediapipe:completed" }

// DeadLetterListKey returns the Redis key for the dead-letter tombstone list.
func DeadLetterListKey() string { return "mediapipe:dead_letter" }
