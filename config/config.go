package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CANDY_QUESTDB_HOST.
const EnvPrefix = "CANDY_"

type Config struct {
	App        AppConfig        `yaml:"app" envPrefix:"APP_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Binance    BinanceConfig    `yaml:"binance" envPrefix:"BINANCE_"`
	Catalog    CatalogConfig    `yaml:"catalog" envPrefix:"CATALOG_"`
	Downloader DownloaderConfig `yaml:"downloader" envPrefix:"DOWNLOADER_"`
	Replayer   ReplayerConfig   `yaml:"replayer" envPrefix:"REPLAYER_"`
	QuestDB    QuestDBConfig    `yaml:"questdb" envPrefix:"QUESTDB_"`
	Archive    ArchiveConfig    `yaml:"archive" envPrefix:"ARCHIVE_"`
	Kafka      KafkaConfig      `yaml:"kafka" envPrefix:"KAFKA_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type AppConfig struct {
	Name    string `yaml:"name" env:"NAME"`
	Version string `yaml:"version" env:"VERSION"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
	MaxAge int    `yaml:"max_age" env:"MAX_AGE"`
}

type BinanceConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// PageLimit is the klines page size, at most 1000.
	PageLimit int `yaml:"page_limit" env:"PAGE_LIMIT"`
	// RateBudget is the per-request share of the exchange limit; the downloader
	// multiplies it by its concurrency to get the per-paginator delay.
	RateBudget        time.Duration `yaml:"rate_budget" env:"RATE_BUDGET"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
}

type CatalogConfig struct {
	Policy   string        `yaml:"policy" env:"POLICY"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type DownloaderConfig struct {
	Concurrency int       `yaml:"concurrency" env:"CONCURRENCY"`
	Buffer      int       `yaml:"buffer" env:"BUFFER"`
	ChunkSize   int       `yaml:"chunk_size" env:"CHUNK_SIZE"`
	Timeframe   string    `yaml:"timeframe" env:"TIMEFRAME"`
	StartDate   time.Time `yaml:"start_date" env:"START_DATE"`
	QuoteAsset  string    `yaml:"quote_asset" env:"QUOTE_ASSET"`
}

type ReplayerConfig struct {
	Prefetch   int           `yaml:"prefetch" env:"PREFETCH"`
	Step       time.Duration `yaml:"step" env:"STEP"`
	Timeframes []string      `yaml:"timeframes" env:"TIMEFRAMES" envSeparator:","`
	StartDate  time.Time     `yaml:"start_date" env:"START_DATE"`
	EndDate    time.Time     `yaml:"end_date" env:"END_DATE"`
}

type QuestDBConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	Database        string        `yaml:"database" env:"DATABASE"`
	Username        string        `yaml:"username" env:"USERNAME"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Table           string        `yaml:"table" env:"TABLE"`
	MaxConns        int32         `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns        int32         `yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// ArchiveConfig controls the parquet copy of every persisted chunk.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	PathStyle       bool   `yaml:"path_style" env:"PATH_STYLE"`
	Compression     string `yaml:"compression" env:"COMPRESSION"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

type MetricsConfig struct {
	Address             string           `yaml:"address" env:"ADDRESS"`
	UsedWeight          bool             `yaml:"used_weight" env:"USED_WEIGHT"`
	ChannelSize         bool             `yaml:"channel_size" env:"CHANNEL_SIZE"`
	ChannelSizeInterval time.Duration    `yaml:"channel_size_interval" env:"CHANNEL_SIZE_INTERVAL"`
	CloudWatch          CloudWatchConfig `yaml:"cloudwatch" envPrefix:"CLOUDWATCH_"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Region    string `yaml:"region" env:"REGION"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "candleflow", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Binance: BinanceConfig{
			BaseURL:    "https://api.binance.com",
			Timeout:    30 * time.Second,
			PageLimit:  1000,
			RateBudget: 25 * time.Millisecond,
		},
		Catalog: CatalogConfig{Policy: "oneshot", Interval: time.Hour},
		Downloader: DownloaderConfig{
			Concurrency: 14,
			Buffer:      50,
			ChunkSize:   8,
			Timeframe:   "3m",
			StartDate:   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			QuoteAsset:  "USDT",
		},
		Replayer: ReplayerConfig{
			Prefetch:   4,
			Step:       24 * time.Hour,
			Timeframes: []string{"3m"},
			StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		QuestDB: QuestDBConfig{
			Host:            "localhost",
			Port:            8812,
			Database:        "qdb",
			Username:        "admin",
			Password:        "quest",
			Table:           "candlesticks",
			MaxConns:        16,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Archive: ArchiveConfig{Prefix: "candlesticks", Compression: "snappy"},
		Kafka:   KafkaConfig{Topic: "candlesticks"},
		Metrics: MetricsConfig{
			UsedWeight:          true,
			ChannelSize:         true,
			ChannelSizeInterval: 5 * time.Second,
			CloudWatch:          CloudWatchConfig{Namespace: "CandleFlow"},
		},
	}
}

// LoadConfig layers defaults, the YAML file at path (skipped when path is empty),
// CANDY_* environment overrides and AWS credentials, then validates the result.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" && config.Archive.Region == "" {
			config.Archive.Region = strings.TrimSpace(v)
		}
	}
	config.Archive.Bucket = strings.TrimSpace(config.Archive.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return errors.New("app.name is required")
	}

	if cfg.Binance.BaseURL == "" {
		return errors.New("binance.base_url is required")
	}
	if cfg.Binance.PageLimit <= 0 || cfg.Binance.PageLimit > 1000 {
		return errors.New("binance.page_limit must be between 1 and 1000")
	}
	if cfg.Binance.RateBudget < 0 {
		return errors.New("binance.rate_budget must not be negative")
	}
	if cfg.Binance.RequestsPerSecond < 0 {
		return errors.New("binance.requests_per_second must not be negative")
	}

	switch strings.ToLower(cfg.Catalog.Policy) {
	case "lazy", "oneshot":
	case "periodic":
		if cfg.Catalog.Interval <= 0 {
			return errors.New("catalog.interval must be greater than 0 for the periodic policy")
		}
	default:
		return fmt.Errorf("catalog.policy '%s' is invalid", cfg.Catalog.Policy)
	}

	if cfg.Downloader.Concurrency <= 0 {
		return errors.New("downloader.concurrency must be greater than 0")
	}
	if cfg.Downloader.Buffer <= 0 {
		return errors.New("downloader.buffer must be greater than 0")
	}
	if cfg.Downloader.ChunkSize <= 0 {
		return errors.New("downloader.chunk_size must be greater than 0")
	}

	if cfg.Replayer.Prefetch <= 0 {
		return errors.New("replayer.prefetch must be greater than 0")
	}
	if cfg.Replayer.Step <= 0 {
		return errors.New("replayer.step must be greater than 0")
	}
	if !cfg.Replayer.EndDate.After(cfg.Replayer.StartDate) {
		return errors.New("replayer.end_date must be after replayer.start_date")
	}

	if cfg.QuestDB.Host == "" {
		return errors.New("questdb.host is required")
	}
	if cfg.QuestDB.Port <= 0 {
		return errors.New("questdb.port must be greater than 0")
	}
	if cfg.QuestDB.Table == "" {
		return errors.New("questdb.table is required")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return errors.New("archive.bucket is required when the archive is enabled")
		}
		if cfg.Archive.Region == "" {
			return errors.New("archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket '%s' is invalid", cfg.Archive.Bucket)
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return errors.New("kafka.topic is required when kafka is enabled")
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
