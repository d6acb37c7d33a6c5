package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Expiry selection modes recognised by the universe builder. The heuristics
// behind weekly/monthly are configurable approximations of the exchange
// calendar, not exchange truth.
const (
	ExpiryModeNearest  = "nearest"
	ExpiryModeWeekly   = "weekly"
	ExpiryModeMonthly  = "monthly"
	ExpiryModeExplicit = "explicit"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Feed       FeedConfig       `yaml:"feed"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	Universe   UniverseConfig   `yaml:"universe"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	MaxTokensPerConnection int `yaml:"max_tokens_per_connection"`
	MaxConnections         int `yaml:"max_connections"`
	ReconnectMaxTries      int `yaml:"reconnect_max_tries"`
	ReconnectMaxDelay      int `yaml:"reconnect_max_delay"` // seconds
	EventBuffer            int `yaml:"event_buffer"`
}

// ReconnectDelayCap returns the backoff ceiling as a duration.
func (f FeedConfig) ReconnectDelayCap() time.Duration {
	return time.Duration(f.ReconnectMaxDelay) * time.Second
}

type SamplingConfig struct {
	Underlyings             []string `yaml:"underlyings"`
	SamplingIntervalSeconds int      `yaml:"sampling_interval_seconds"`
	VenueLabel              string   `yaml:"venue_label"`
	Timezone                string   `yaml:"timezone"`
}

// Interval returns the sampling cadence as a duration.
func (s SamplingConfig) Interval() time.Duration {
	return time.Duration(s.SamplingIntervalSeconds) * time.Second
}

// Location resolves the configured exchange timezone.
func (s SamplingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

type UniverseConfig struct {
	Exchange           string   `yaml:"exchange"`
	CacheDir           string   `yaml:"cache_dir"`
	ExpiryMode         string   `yaml:"expiry_mode"`
	ExpiryDates        []string `yaml:"expiry_dates"` // used by explicit mode, YYYY-MM-DD
	MaxStrikeDistance  float64  `yaml:"max_strike_distance"`
	SpotRefreshSeconds int      `yaml:"spot_refresh_seconds"`
	QuoteRateLimit     float64  `yaml:"quote_rate_limit"` // requests per second
}

// SpotRefreshInterval returns the cadence of spot quote refreshes.
func (u UniverseConfig) SpotRefreshInterval() time.Duration {
	return time.Duration(u.SpotRefreshSeconds) * time.Second
}

type StorageConfig struct {
	OutputDir            string        `yaml:"output_dir"`
	FlushRowsPerWrite    int           `yaml:"flush_rows_per_write"`
	FlushIntervalSeconds float64       `yaml:"flush_interval_seconds"`
	Archive              ArchiveConfig `yaml:"archive"`
	S3                   S3Config      `yaml:"s3"`
}

// FlushInterval returns the time-based flush threshold as a duration.
func (s StorageConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalSeconds * float64(time.Second))
}

type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`         // local parquet destination; defaults to output_dir
	Compression string `yaml:"compression"` // snappy, gzip or uncompressed
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Addr       string           `yaml:"addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Feed: FeedConfig{
			MaxTokensPerConnection: 3000,
			MaxConnections:         3,
			ReconnectMaxTries:      50,
			ReconnectMaxDelay:      30,
			EventBuffer:            1024,
		},
		Sampling: SamplingConfig{
			SamplingIntervalSeconds: 1,
			VenueLabel:              "NSE-FO",
			Timezone:                "Asia/Kolkata",
		},
		Universe: UniverseConfig{
			Exchange:           "NFO",
			ExpiryMode:         ExpiryModeNearest,
			MaxStrikeDistance:  2000,
			SpotRefreshSeconds: 30,
			QuoteRateLimit:     1,
		},
		Storage: StorageConfig{
			FlushRowsPerWrite:    500,
			FlushIntervalSeconds: 1.0,
		},
		Metrics: MetricsConfig{
			Addr: ":2112",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
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

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if config.Storage.Archive.Enabled && config.Storage.Archive.Dir == "" {
		config.Storage.Archive.Dir = config.Storage.OutputDir
	}

	if config.Logging.Format == "" {
		if IsProductionLike(AppEnvironment()) {
			config.Logging.Format = "json"
		} else {
			config.Logging.Format = "text"
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	if len(cfg.Sampling.Underlyings) == 0 {
		return fmt.Errorf("sampling.underlyings must list at least one symbol")
	}
	if cfg.Sampling.SamplingIntervalSeconds <= 0 {
		return fmt.Errorf("sampling.sampling_interval_seconds must be greater than 0")
	}
	if cfg.Sampling.VenueLabel == "" {
		return fmt.Errorf("sampling.venue_label is required")
	}
	if _, err := cfg.Sampling.Location(); err != nil {
		return fmt.Errorf("sampling.timezone '%s' is not a valid timezone: %w", cfg.Sampling.Timezone, err)
	}

	if cfg.Feed.MaxTokensPerConnection <= 0 {
		return fmt.Errorf("feed.max_tokens_per_connection must be greater than 0")
	}
	if cfg.Feed.MaxConnections <= 0 {
		return fmt.Errorf("feed.max_connections must be greater than 0")
	}
	if cfg.Feed.ReconnectMaxTries <= 0 {
		return fmt.Errorf("feed.reconnect_max_tries must be greater than 0")
	}
	if cfg.Feed.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("feed.reconnect_max_delay must be greater than 0")
	}

	if cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}
	if cfg.Storage.FlushRowsPerWrite <= 0 {
		return fmt.Errorf("storage.flush_rows_per_write must be greater than 0")
	}
	if cfg.Storage.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("storage.flush_interval_seconds must be greater than 0")
	}

	switch cfg.Universe.ExpiryMode {
	case ExpiryModeNearest, ExpiryModeWeekly, ExpiryModeMonthly:
	case ExpiryModeExplicit:
		if len(cfg.Universe.ExpiryDates) == 0 {
			return fmt.Errorf("universe.expiry_dates is required when expiry_mode is explicit")
		}
		for _, d := range cfg.Universe.ExpiryDates {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return fmt.Errorf("universe.expiry_dates entry '%s' is not YYYY-MM-DD: %w", d, err)
			}
		}
	default:
		return fmt.Errorf("universe.expiry_mode '%s' is invalid", cfg.Universe.ExpiryMode)
	}
	if cfg.Universe.MaxStrikeDistance <= 0 {
		return fmt.Errorf("universe.max_strike_distance must be greater than 0")
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
