package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Poller     PollerConfig     `yaml:"poller"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

const (
	UpstreamModeDirect = "direct"
	UpstreamModeRelay  = "relay"
)

// UpstreamConfig controls where option chains come from. In direct mode the
// exchange is scraped with a cookie session; in relay mode another instance's
// /api endpoints are polled.
type UpstreamConfig struct {
	Mode              string        `yaml:"mode"`
	BaseURL           string        `yaml:"base_url"`
	PageURL           string        `yaml:"page_url"`
	Symbol            string        `yaml:"symbol"`
	InstrumentType    string        `yaml:"instrument_type"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RelayURL          string        `yaml:"relay_url"`
}

type PollerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Expiry       string        `yaml:"expiry"`
	Timezone     string        `yaml:"timezone"`
	SessionStart string        `yaml:"session_start"`
	SessionEnd   string        `yaml:"session_end"`
	WeekdaysOnly bool          `yaml:"weekdays_only"`
	// IdleGrace pauses polling when no dashboard viewer was seen for this
	// long. Zero disables the gate.
	IdleGrace time.Duration `yaml:"idle_grace"`
}

type AnalyticsConfig struct {
	Windows     []int         `yaml:"windows"`
	Retention   time.Duration `yaml:"retention"`
	LargeOffset int64         `yaml:"large_offset"`
	SmallOffset int64         `yaml:"small_offset"`
}

type ChannelsConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type MetricsConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusAddress string `yaml:"prometheus_address"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

func defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			Mode:              UpstreamModeDirect,
			BaseURL:           "https://www.nseindia.com",
			PageURL:           "https://www.nseindia.com/option-chain",
			Symbol:            "NIFTY",
			InstrumentType:    "Indices",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 3,
			Burst:             3,
		},
		Poller: PollerConfig{
			Interval:     time.Second,
			Timezone:     "Asia/Kolkata",
			SessionStart: "09:15",
			SessionEnd:   "15:29",
			WeekdaysOnly: true,
		},
		Analytics: AnalyticsConfig{
			Windows:     []int{1, 3, 6, 12, 18, 24, 30},
			Retention:   30 * time.Minute,
			LargeOffset: 250,
			SmallOffset: 150,
		},
		Channels: ChannelsConfig{SnapshotBuffer: 16},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Metrics: MetricsConfig{PrometheusAddress: ":2112"},
		Storage: StorageConfig{
			S3:    S3Config{FlushInterval: 5 * time.Minute, Compression: "snappy", Prefix: "optionflow"},
			Kafka: KafkaConfig{Topic: "optionflow.snapshots"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			CloudWatch: CloudWatchConfig{Namespace: "OptionFlow"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("OPTIONFLOW_EXPIRY"); v != "" {
		config.Poller.Expiry = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if config.Logging.CloudWatch.Enabled && config.Logging.CloudWatch.Region == "" {
		config.Logging.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	switch cfg.Upstream.Mode {
	case UpstreamModeDirect:
		if cfg.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.base_url is required in direct mode")
		}
	case UpstreamModeRelay:
		if cfg.Upstream.RelayURL == "" {
			return fmt.Errorf("upstream.relay_url is required in relay mode")
		}
	default:
		return fmt.Errorf("upstream.mode must be %q or %q, got %q", UpstreamModeDirect, UpstreamModeRelay, cfg.Upstream.Mode)
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be greater than 0")
	}

	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than 0")
	}

	if cfg.Analytics.Retention <= 0 {
		return fmt.Errorf("analytics.retention must be greater than 0")
	}
	if len(cfg.Analytics.Windows) == 0 {
		return fmt.Errorf("analytics.windows must not be empty")
	}
	if !sort.IntsAreSorted(cfg.Analytics.Windows) {
		return fmt.Errorf("analytics.windows must be in ascending order")
	}
	for _, w := range cfg.Analytics.Windows {
		if w <= 0 {
			return fmt.Errorf("analytics.windows must be positive, got %d", w)
		}
		if time.Duration(w)*time.Minute > cfg.Analytics.Retention {
			return fmt.Errorf("analytics.windows entry %d exceeds retention %s", w, cfg.Analytics.Retention)
		}
	}
	if cfg.Analytics.LargeOffset <= cfg.Analytics.SmallOffset || cfg.Analytics.SmallOffset <= 0 {
		return fmt.Errorf("analytics offsets must satisfy 0 < small_offset < large_offset")
	}

	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
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
