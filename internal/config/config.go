// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `yaml:"port"`
	Env       string `yaml:"env"` // "development", "staging", "production"
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	// Storage (all optional; in-memory stores are used when unset)
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Audit shipping
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaAuditTopic string   `yaml:"kafka_audit_topic"`

	// Device secret sealing
	KMSKeyID string `yaml:"kms_key_id"`

	// Salt for anonymized user ids. Either set directly or resolved from
	// Secrets Manager / SSM at startup.
	AnonSalt         string `yaml:"-"`
	AnonSaltSecretID string `yaml:"anon_salt_secret_id"`
	AnonSaltParam    string `yaml:"anon_salt_param"`

	// Caching
	PolicyCacheTTL      time.Duration `yaml:"policy_cache_ttl"`
	FingerprintCacheTTL time.Duration `yaml:"fingerprint_cache_ttl"`

	// Tracing
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// Shared secrets for the admin API and the gateway-facing decision API
	AdminSecret  string `yaml:"-"`
	ServiceToken string `yaml:"-"`

	// HTTP edge
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitRPM       int      `yaml:"rate_limit_rpm"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`

	// Optional YAML policy seed applied at startup
	PolicySeedFile string `yaml:"policy_seed_file"`
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultKafkaAuditTopic     = "devicetrust.audit"
	DefaultPolicyCacheTTL      = 30 * time.Second
	DefaultFingerprintCacheTTL = 10 * time.Minute
	DefaultRateLimitRPM        = 600
	DefaultRateLimitBurst      = 50
	DefaultTraceSampleRatio    = 1.0
)

// Load reads configuration. Precedence, lowest first: defaults, the YAML file
// named by CONFIG_FILE, environment variables (a .env file is loaded if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		KafkaAuditTopic:     DefaultKafkaAuditTopic,
		PolicyCacheTTL:      DefaultPolicyCacheTTL,
		FingerprintCacheTTL: DefaultFingerprintCacheTTL,
		RateLimitRPM:        DefaultRateLimitRPM,
		RateLimitBurst:      DefaultRateLimitBurst,
		TraceSampleRatio:    DefaultTraceSampleRatio,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaAuditTopic = getEnv("KAFKA_AUDIT_TOPIC", cfg.KafkaAuditTopic)
	cfg.KMSKeyID = getEnv("KMS_KEY_ID", cfg.KMSKeyID)
	cfg.AnonSalt = os.Getenv("ANON_SALT")
	cfg.AnonSaltSecretID = getEnv("ANON_SALT_SECRET_ID", cfg.AnonSaltSecretID)
	cfg.AnonSaltParam = getEnv("ANON_SALT_PARAM", cfg.AnonSaltParam)
	cfg.PolicyCacheTTL = getEnvDuration("POLICY_CACHE_TTL", cfg.PolicyCacheTTL)
	cfg.FingerprintCacheTTL = getEnvDuration("FINGERPRINT_CACHE_TTL", cfg.FingerprintCacheTTL)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.TraceSampleRatio = getEnvFloat("TRACE_SAMPLE_RATIO", cfg.TraceSampleRatio)
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	cfg.ServiceToken = os.Getenv("SERVICE_TOKEN")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.RateLimitRPM = getEnvInt("RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.PolicySeedFile = getEnv("POLICY_SEED_FILE", cfg.PolicySeedFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAuditTopic == "" {
		return fmt.Errorf("KAFKA_AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.PolicyCacheTTL < 0 || c.FingerprintCacheTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}

	if c.IsProduction() {
		if c.AnonSalt == "" && c.AnonSaltSecretID == "" && c.AnonSaltParam == "" {
			return fmt.Errorf("ANON_SALT (or ANON_SALT_SECRET_ID / ANON_SALT_PARAM) is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.ServiceToken == "" {
			return fmt.Errorf("SERVICE_TOKEN is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
