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
	Markethub  MarkethubConfig  `yaml:"markethub"`
	Hub        HubConfig        `yaml:"hub"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarkethubConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type HubConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	TradeBuffer int           `yaml:"trade_buffer"`
}

type ConnectorsConfig struct {
	Binance BinanceConnectorConfig `yaml:"binance"`
	Bybit   BybitConnectorConfig   `yaml:"bybit"`
}

type BinanceConnectorConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Symbols   []string        `yaml:"symbols"`
	Channels  []string        `yaml:"channels"`
	Depth     int             `yaml:"depth"`
	APIKey    string          `yaml:"api_key"`
	APISecret string          `yaml:"api_secret"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type BybitConnectorConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	WsURL          string               `yaml:"ws_url"`
	RestURL        string               `yaml:"rest_url"`
	Symbols        []string             `yaml:"symbols"`
	Channels       []string             `yaml:"channels"`
	Depth          int                  `yaml:"depth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type GatewayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ClientBuffer  int           `yaml:"client_buffer"`
	HealthPeriod  time.Duration `yaml:"health_period"`
	AllowedOrigin string        `yaml:"allowed_origin"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	ReportInterval time.Duration    `yaml:"report_interval"`
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

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Hub: HubConfig{
			StaleAfter:  5 * time.Minute,
			TradeBuffer: 50,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
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

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Connectors.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Connectors.Binance.APISecret = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Markethub.Name == "" {
		return fmt.Errorf("markethub.name is required")
	}

	if cfg.Markethub.Version == "" {
		return fmt.Errorf("markethub.version is required")
	}

	if cfg.Hub.StaleAfter <= 0 {
		return fmt.Errorf("hub.stale_after must be greater than 0")
	}
	if cfg.Hub.TradeBuffer <= 0 {
		return fmt.Errorf("hub.trade_buffer must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0 when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Gateway.Enabled && cfg.Gateway.Address == "" {
		return fmt.Errorf("gateway.address is required when the gateway is enabled")
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
