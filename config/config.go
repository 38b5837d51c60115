package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Pair     PairConfig     `yaml:"pair"`
	Feed     FeedConfig     `yaml:"feed"`
	Stream   StreamConfig   `yaml:"stream"`
	Gate     GateConfig     `yaml:"gate"`
	Redis    RedisConfig    `yaml:"redis"`
	Index    IndexConfig    `yaml:"index"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Channels ChannelsConfig `yaml:"channels"`
	Writer   WriterConfig   `yaml:"writer"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Seed     SeedConfig     `yaml:"seed"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// PairConfig names the traded pair; its ratio is price(AssetA)/price(AssetB).
type PairConfig struct {
	ID     string `yaml:"id"`
	AssetA string `yaml:"asset_a"`
	AssetB string `yaml:"asset_b"`
}

type FeedConfig struct {
	Source   string        `yaml:"source"` // hyperliquid | simulated
	Interval time.Duration `yaml:"interval"`
}

// StreamConfig drives the reconnecting websocket client.
type StreamConfig struct {
	URL                 string        `yaml:"url"`
	MaxRetries          int           `yaml:"max_retries"`
	MinReconnectDelay   time.Duration `yaml:"min_reconnect_delay"`
	MaxReconnectDelay   time.Duration `yaml:"max_reconnect_delay"`
	ReconnectGrowFactor float64       `yaml:"reconnect_grow_factor"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	OutboxCapacity      int           `yaml:"outbox_capacity"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	SendRatePerSecond   float64       `yaml:"send_rate_per_second"`
	SendBurst           int           `yaml:"send_burst"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ReadLimit           int64         `yaml:"read_limit"`
}

type GateConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MinDelta    float64       `yaml:"min_delta"`
}

type RedisConfig struct {
	URL         string        `yaml:"url"`
	Prefix      string        `yaml:"prefix"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Channel     string        `yaml:"channel"`
}

type IndexConfig struct {
	Backend string `yaml:"backend"` // redis | memory
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres | sqlite
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ConnString builds the driver DSN when none is given explicitly.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type PipelineConfig struct {
	PendingQueue string         `yaml:"pending_queue"`
	PartialQueue string         `yaml:"partial_queue"`
	Planner      PlannerConfig  `yaml:"planner"`
	Executor     ConsumerConfig `yaml:"executor"`
	Finalizer    ConsumerConfig `yaml:"finalizer"`
	Matcher      MatcherConfig  `yaml:"matcher"`
}

type PlannerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	TargetRatio  float64       `yaml:"target_ratio"`
	Threshold    float64       `yaml:"threshold"`
	Size         float64       `yaml:"size"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

type ConsumerConfig struct {
	Idle         time.Duration `yaml:"idle"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type MatcherConfig struct {
	DefaultSize float64 `yaml:"default_size"`
}

type ChannelsConfig struct {
	SettledBuffer int `yaml:"settled_buffer"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	MaxBuffered   int           `yaml:"max_buffered"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// SeedConfig controls the mock order generator.
type SeedConfig struct {
	Count     int     `yaml:"count"`
	Center    float64 `yaml:"center"`
	Spread    float64 `yaml:"spread"`
	Precision float64 `yaml:"precision"`
}

// Default returns the configuration every file is layered on top of.
func Default() Config {
	return Config{
		App:  AppConfig{Name: "pear-limit-engine", Version: "dev"},
		Feed: FeedConfig{Source: "hyperliquid", Interval: time.Second},
		Stream: StreamConfig{
			URL:                 "wss://api.hyperliquid.xyz/ws",
			MinReconnectDelay:   200 * time.Millisecond,
			MaxReconnectDelay:   10 * time.Second,
			ReconnectGrowFactor: 1.3,
			HeartbeatInterval:   15 * time.Second,
			IdleTimeout:         60 * time.Second,
			OutboxCapacity:      1000,
			HandshakeTimeout:    10 * time.Second,
		},
		Gate:  GateConfig{MinInterval: 100 * time.Millisecond, MinDelta: 0.001},
		Redis: RedisConfig{Prefix: "pear", PoolSize: 10, DialTimeout: 5 * time.Second, Channel: "ratio"},
		Index: IndexConfig{Backend: "redis"},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
		Pipeline: PipelineConfig{
			PendingQueue: "pending_trades",
			PartialQueue: "partial_trades",
			Planner: PlannerConfig{
				Interval:     3 * time.Second,
				TargetRatio:  0.67,
				Threshold:    0.01,
				Size:         1000,
				ErrorBackoff: 5 * time.Second,
			},
			Executor: ConsumerConfig{
				Idle:         2 * time.Second,
				ErrorBackoff: 5 * time.Second,
				MinDelay:     time.Second,
				MaxDelay:     3 * time.Second,
			},
			Finalizer: ConsumerConfig{
				Idle:         3 * time.Second,
				ErrorBackoff: 5 * time.Second,
				MinDelay:     500 * time.Millisecond,
				MaxDelay:     1500 * time.Millisecond,
			},
			Matcher: MatcherConfig{DefaultSize: 1000},
		},
		Channels: ChannelsConfig{SettledBuffer: 1024},
		Writer:   WriterConfig{FlushInterval: time.Minute, Compression: "snappy", MaxBuffered: 10000},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
		Metrics:  MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "PearLimitEngine", Dashboard: "PearLimitEngine"}},
		Seed:     SeedConfig{Count: 1000, Center: 0.67, Spread: 0.05, Precision: 1e4},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	str("REDIS_URL", &cfg.Redis.URL)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)
	str("DB_HOST", &cfg.Database.Host)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASS", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DATABASE_URL", &cfg.Database.DSN)
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Database.Port = port
		}
	}

	if cfg.Storage.S3.Enabled {
		str("AWS_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
		str("AWS_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
		str("AWS_REGION", &cfg.Storage.S3.Region)
		str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Pair.ID == "" || cfg.Pair.AssetA == "" || cfg.Pair.AssetB == "" {
		return fmt.Errorf("pair.id, pair.asset_a and pair.asset_b are required")
	}

	switch cfg.Feed.Source {
	case "hyperliquid":
		if cfg.Stream.URL == "" {
			return fmt.Errorf("stream.url is required for the hyperliquid feed")
		}
	case "simulated":
		if cfg.Feed.Interval <= 0 {
			return fmt.Errorf("feed.interval must be greater than 0")
		}
	default:
		return fmt.Errorf("feed.source '%s' is not supported", cfg.Feed.Source)
	}

	if cfg.Stream.ReconnectGrowFactor < 1 {
		return fmt.Errorf("stream.reconnect_grow_factor must be at least 1")
	}
	if cfg.Stream.MinReconnectDelay <= 0 || cfg.Stream.MaxReconnectDelay < cfg.Stream.MinReconnectDelay {
		return fmt.Errorf("stream reconnect delays must satisfy 0 < min <= max")
	}
	if cfg.Stream.OutboxCapacity <= 0 {
		return fmt.Errorf("stream.outbox_capacity must be greater than 0")
	}

	if cfg.Gate.MinInterval < 0 || cfg.Gate.MinDelta < 0 {
		return fmt.Errorf("gate thresholds must not be negative")
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	switch cfg.Index.Backend {
	case "redis":
	case "memory":
		if IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("index.backend 'memory' cannot be shared between processes; use 'redis' in %s", AppEnvironment())
		}
	default:
		return fmt.Errorf("index.backend '%s' is not supported", cfg.Index.Backend)
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.DSN == "" && (cfg.Database.Host == "" || cfg.Database.Name == "") {
			return fmt.Errorf("database.host and database.name are required when database.dsn is empty")
		}
	case "sqlite":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver '%s' is not supported", cfg.Database.Driver)
	}

	if cfg.Pipeline.PendingQueue == "" || cfg.Pipeline.PartialQueue == "" {
		return fmt.Errorf("pipeline queue names are required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.flush_interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
