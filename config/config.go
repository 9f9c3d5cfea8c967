package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pricewatch   PricewatchConfig   `yaml:"pricewatch"`
	Logging      LoggingConfig      `yaml:"logging"`
	Reader       ReaderConfig       `yaml:"reader"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Validation   ValidationConfig   `yaml:"validation"`
	Storage      StorageConfig      `yaml:"storage"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
	Sites        []SiteConfig       `yaml:"sites"`
}

type PricewatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	Headers        map[string]string    `yaml:"headers"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Retry          RetryConfig          `yaml:"retry"`
	Browser        BrowserConfig        `yaml:"browser"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	RateLimitMinWait time.Duration `yaml:"rate_limit_min_wait"`
	RateLimitMaxWait time.Duration `yaml:"rate_limit_max_wait"`
}

// BrowserConfig enables the headless Chrome fallback for challenge pages.
type BrowserConfig struct {
	Enabled  bool          `yaml:"enabled"`
	ExecPath string        `yaml:"exec_path"`
	Settle   time.Duration `yaml:"settle"`
}

type OrchestratorConfig struct {
	Concurrency    int             `yaml:"concurrency"`
	BatchDeadline  time.Duration   `yaml:"batch_deadline"`
	DispatchJitter time.Duration   `yaml:"dispatch_jitter"`
	HostRateLimit  RateLimitConfig `yaml:"host_rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ValidationConfig struct {
	MaxPrice float64 `yaml:"max_price"`
}

type StorageConfig struct {
	DataDir  string   `yaml:"data_dir"`
	Timezone string   `yaml:"timezone"`
	S3       S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Parquet         bool   `yaml:"parquet"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ScheduleConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	MetricsHistory int    `yaml:"metrics_history"`
	LogHistory     int    `yaml:"log_history"`
}

// SiteConfig overrides or adds a retailer extraction strategy.
type SiteConfig struct {
	Name         string   `yaml:"name"`
	Hosts        []string `yaml:"hosts"`
	Locale       string   `yaml:"locale"`
	Selectors    []string `yaml:"selectors"`
	ShopSelector string   `yaml:"shop_selector"`
	JSONLD       bool     `yaml:"json_ld"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Pricewatch: PricewatchConfig{Name: "pricewatch", Version: "dev"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Reader: ReaderConfig{
			Timeout:   15 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Headers: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
				"Accept-Language": "de-DE,de;q=0.9",
				"Referer":         "https://www.google.com/",
				"DNT":             "1",
			},
			ConnectionPool: ConnectionPoolConfig{MaxIdleConns: 16, MaxConnsPerHost: 4, IdleConnTimeout: 90 * time.Second},
			Retry: RetryConfig{
				MaxAttempts:      3,
				BaseDelay:        time.Second,
				RateLimitMinWait: 10 * time.Second,
				RateLimitMaxWait: 30 * time.Second,
			},
			Browser: BrowserConfig{Settle: 3 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:    4,
			BatchDeadline:  10 * time.Minute,
			DispatchJitter: 1500 * time.Millisecond,
			HostRateLimit:  RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2},
		},
		Storage:   StorageConfig{DataDir: "preis_daten", Timezone: "UTC", S3: S3Config{Compression: "snappy"}},
		Schedule:  ScheduleConfig{RefreshInterval: 24 * time.Hour, CheckInterval: time.Minute, RetryInterval: time.Hour},
		Metrics:   MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "Pricewatch"}},
		Dashboard: DashboardConfig{Address: "127.0.0.1:8080", MetricsHistory: 200, LogHistory: 200},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of Default, applies environment overrides
// and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("PRICEWATCH_DATA_DIR"); v != "" {
		config.Storage.DataDir = strings.TrimSpace(v)
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

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Location resolves storage.timezone; calendar days for dedup are taken in it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validateConfig(cfg *Config) error {
	if cfg.Pricewatch.Name == "" {
		return fmt.Errorf("pricewatch.name is required")
	}
	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}

	r := cfg.Reader.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}
	if r.BaseDelay < 0 {
		return fmt.Errorf("reader.retry.base_delay must not be negative")
	}
	if r.RateLimitMinWait < 0 || r.RateLimitMaxWait < r.RateLimitMinWait {
		return fmt.Errorf("reader.retry.rate_limit_max_wait must be >= rate_limit_min_wait >= 0")
	}

	if cfg.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency must be greater than 0")
	}
	if cfg.Orchestrator.HostRateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("orchestrator.host_rate_limit.requests_per_second must not be negative")
	}
	if cfg.Validation.MaxPrice < 0 {
		return fmt.Errorf("validation.max_price must not be negative")
	}

	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if _, err := time.LoadLocation(cfg.Storage.Timezone); err != nil {
		return fmt.Errorf("storage.timezone %q: %w", cfg.Storage.Timezone, err)
	}

	switch cfg.Storage.S3.Compression {
	case "", "none", "snappy", "gzip":
	default:
		return fmt.Errorf("storage.s3.compression %q is not one of none, snappy, gzip", cfg.Storage.S3.Compression)
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
	}

	if cfg.Schedule.RefreshInterval <= 0 {
		return fmt.Errorf("schedule.refresh_interval must be greater than 0")
	}
	if cfg.Schedule.CheckInterval <= 0 {
		return fmt.Errorf("schedule.check_interval must be greater than 0")
	}
	if cfg.Schedule.RetryInterval < 0 {
		return fmt.Errorf("schedule.retry_interval must not be negative")
	}

	seen := make(map[string]string)
	for i, s := range cfg.Sites {
		if s.Name == "" {
			return fmt.Errorf("sites[%d].name is required", i)
		}
		if len(s.Hosts) == 0 {
			return fmt.Errorf("sites[%d].hosts must list at least one host", i)
		}
		if len(s.Selectors) == 0 && !s.JSONLD {
			return fmt.Errorf("sites[%d] needs selectors or json_ld", i)
		}
		for _, h := range s.Hosts {
			h = strings.ToLower(strings.TrimPrefix(h, "www."))
			if other, dup := seen[h]; dup {
				return fmt.Errorf("host %q is claimed by sites %q and %q", h, other, s.Name)
			}
			seen[h] = s.Name
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
