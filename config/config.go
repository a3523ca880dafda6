package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PairPlaceholder is substituted with the pair in the stream URL template.
const PairPlaceholder = "{pair}"

type Config struct {
	Bookstream BookstreamConfig `yaml:"bookstream"`
	Stream     StreamConfig     `yaml:"stream"`
	Redis      RedisConfig      `yaml:"redis"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	URL               string        `yaml:"url"`
	APIKeyID          string        `yaml:"api_key_id"`
	APIKeySecret      string        `yaml:"api_key_secret"`
	Pairs             []string      `yaml:"pairs"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReadBufferBytes   int           `yaml:"read_buffer_bytes"`
	ConnectRate       float64       `yaml:"connect_rate"`
	ConnectBurst      int           `yaml:"connect_burst"`
	LocalIP           string        `yaml:"local_ip"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type PublisherConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TradesMaxLen int64         `yaml:"trades_max_len"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Buffer        int           `yaml:"buffer"`
	MaxRecords    int           `yaml:"max_records"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Prefix        string        `yaml:"prefix"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a config populated with every default LoadConfig applies
// before parsing.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			MaxRetries:        5,
			RetryBaseDelay:    time.Second,
			KeepAliveInterval: 60 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			ReadBufferBytes:   2048,
			ConnectRate:       2,
			ConnectBurst:      4,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Publisher: PublisherConfig{
			QueueSize:    256,
			WriteTimeout: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			Buffer:        1024,
			MaxRecords:    5000,
			FlushInterval: time.Minute,
			Prefix:        "trades",
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
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

	applyEnv(&config)

	if err := validateConfig(&config, AppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// StreamURL returns the websocket endpoint for pair.
func (c *Config) StreamURL(pair string) string {
	return strings.ReplaceAll(c.Stream.URL, PairPlaceholder, pair)
}

func applyEnv(config *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&config.Stream.APIKeyID, "STREAM_API_KEY_ID")
	override(&config.Stream.APIKeySecret, "STREAM_API_KEY_SECRET")
	override(&config.Redis.Addr, "REDIS_ADDR")
	override(&config.Redis.Password, "REDIS_PASSWORD")

	if config.Archive.Enabled {
		override(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		override(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		override(&config.Storage.S3.Region, "AWS_REGION")
		override(&config.Storage.S3.Bucket, "S3_BUCKET")
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Bookstream.Name == "" {
		return fmt.Errorf("bookstream.name is required")
	}
	if cfg.Bookstream.Version == "" {
		return fmt.Errorf("bookstream.version is required")
	}

	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if !strings.Contains(cfg.Stream.URL, PairPlaceholder) {
		return fmt.Errorf("stream.url must contain the %s placeholder", PairPlaceholder)
	}
	if len(cfg.Stream.Pairs) == 0 {
		return fmt.Errorf("stream.pairs must list at least one pair")
	}
	seen := make(map[string]struct{}, len(cfg.Stream.Pairs))
	for _, p := range cfg.Stream.Pairs {
		if !pairRegexp.MatchString(p) {
			return fmt.Errorf("stream.pairs entry '%s' is invalid", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("stream.pairs entry '%s' is duplicated", p)
		}
		seen[p] = struct{}{}
	}
	if cfg.Stream.MaxRetries <= 0 {
		return fmt.Errorf("stream.max_retries must be greater than 0")
	}
	if cfg.Stream.RetryBaseDelay <= 0 {
		return fmt.Errorf("stream.retry_base_delay must be greater than 0")
	}
	if cfg.Stream.KeepAliveInterval <= 0 {
		return fmt.Errorf("stream.keepalive_interval must be greater than 0")
	}
	if cfg.Stream.ConnectRate < 0 || cfg.Stream.ConnectBurst < 0 {
		return fmt.Errorf("stream.connect_rate and stream.connect_burst must not be negative")
	}
	if IsProductionLike(env) && (cfg.Stream.APIKeyID == "" || cfg.Stream.APIKeySecret == "") {
		return fmt.Errorf("stream.api_key_id and stream.api_key_secret are required in %s", env)
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Publisher.QueueSize <= 0 {
		return fmt.Errorf("publisher.queue_size must be greater than 0")
	}
	if cfg.Publisher.TradesMaxLen < 0 {
		return fmt.Errorf("publisher.trades_max_len must not be negative")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when archive is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when archive is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// Pairs become store keys of the form PAIR.SUFFIX, so the separator is not
// allowed inside a pair.
var pairRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

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
