package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Tenant   TenantConfig   `yaml:"tenant"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings for the tenant
// store and send log.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for queues, rate limits, and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DeliveryConfig holds SMTP delivery engine settings.
type DeliveryConfig struct {
	HeloDomain          string `yaml:"helo_domain"`
	ConnectTimeoutSecs  int    `yaml:"connect_timeout_seconds"`
	SendTimeoutSecs     int    `yaml:"send_timeout_seconds"`
	MaxConnsPerHost     int    `yaml:"max_conns_per_host"`
	MaxMessagesPerConn  int    `yaml:"max_messages_per_conn"`
	DevRelay            string `yaml:"dev_relay"` // host:port; when set, MX resolution is bypassed
}

// ConnectTimeout returns the connect timeout as a duration.
func (c DeliveryConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

// SendTimeout returns the per-exchanger send timeout as a duration.
func (c DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}

// TenantConfig holds tenant context provider settings.
type TenantConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the context cache TTL as a duration.
func (c TenantConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// AlertingConfig holds the webhook endpoint for high-severity operator
// signals (DKIM misconfiguration).
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the alert post timeout as a duration.
func (c AlertingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Delivery.HeloDomain == "" {
		cfg.Delivery.HeloDomain = "localhost"
	}
	if cfg.Delivery.ConnectTimeoutSecs == 0 {
		cfg.Delivery.ConnectTimeoutSecs = 10
	}
	if cfg.Delivery.SendTimeoutSecs == 0 {
		cfg.Delivery.SendTimeoutSecs = 30
	}
	if cfg.Delivery.MaxConnsPerHost == 0 {
		cfg.Delivery.MaxConnsPerHost = 5
	}
	if cfg.Delivery.MaxMessagesPerConn == 0 {
		cfg.Delivery.MaxMessagesPerConn = 100
	}
	if cfg.Tenant.CacheTTLSecs == 0 {
		cfg.Tenant.CacheTTLSecs = 300
	}
	if cfg.Alerting.TimeoutSeconds == 0 {
		cfg.Alerting.TimeoutSeconds = 5
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		// A missing file is not fatal: run on defaults + env
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DELIVERY_HELO_DOMAIN"); v != "" {
		cfg.Delivery.HeloDomain = v
	}
	if v := os.Getenv("DELIVERY_DEV_RELAY"); v != "" {
		cfg.Delivery.DevRelay = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerting.WebhookURL = v
	}

	return cfg, nil
}
