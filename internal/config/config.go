// Package config provides environment-variable-first configuration
// loading with optional YAML file fallback for the SMTP gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultMaxAttachmentSize is 10 MB in bytes.
const defaultMaxAttachmentSize = 10485760

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Auth     AuthConfig     `yaml:"auth"`
	Submit   SubmitConfig   `yaml:"submit"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Throttle ThrottleConfig `yaml:"throttle"`
	TLS      TLSConfig      `yaml:"tls"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
	SES      SESConfig      `yaml:"ses"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen            string        `yaml:"listen"`
	Hostname          string        `yaml:"hostname"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MaxAttachmentSize int64         `yaml:"max_attachment_size"`
	MaxMIMEDepth      int           `yaml:"max_mime_depth"`
	MaxRecipients     int           `yaml:"max_recipients"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// AuthConfig holds the credential validation service configuration.
type AuthConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// SubmitConfig holds the message submission service configuration.
// Backend selects the delivery backend: "rest", "ses" or "stdout".
type SubmitConfig struct {
	Backend    string        `yaml:"backend"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// BreakerConfig holds circuit breaker tuning for the submission path.
type BreakerConfig struct {
	Window       time.Duration `yaml:"window"`
	MinRequests  int           `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// ThrottleConfig holds per-source rate limiting configuration.
type ThrottleConfig struct {
	MaxConnsPerSource    int           `yaml:"max_conns_per_source"`
	MaxConnsTotal        int           `yaml:"max_conns_total"`
	SubmissionsPerMinute int           `yaml:"submissions_per_minute"`
	AuthFailureThreshold int           `yaml:"auth_failure_threshold"`
	AuthFailureWindow    time.Duration `yaml:"auth_failure_window"`
	BlockDuration        time.Duration `yaml:"block_duration"`
	AllowList            []string      `yaml:"allow_list"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// HTTPConfig holds the health and metrics endpoint configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SESConfig holds Amazon SES settings for the "ses" backend. Static
// credentials are optional; the default AWS credential chain is used
// when they are empty.
type SESConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.validate()
}

// validate rejects configurations that cannot serve traffic.
func (c *Config) validate() error {
	switch c.Submit.Backend {
	case "rest":
		if c.Submit.URL == "" {
			return fmt.Errorf("submit.url is required for the rest backend")
		}
	case "ses":
		if c.SES.Region == "" {
			return fmt.Errorf("ses.region is required for the ses backend")
		}
	case "stdout":
	default:
		return fmt.Errorf("unknown submit backend %q", c.Submit.Backend)
	}
	if c.Auth.URL == "" {
		return fmt.Errorf("auth.url is required")
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxAttachmentSize = defaultMaxAttachmentSize
	c.SMTP.MaxMIMEDepth = 10
	c.SMTP.MaxRecipients = 100
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.SMTP.ShutdownGrace = 30 * time.Second

	c.Auth.Timeout = 5 * time.Second
	c.Auth.MaxRetries = 2
	c.Auth.RetryDelay = 500 * time.Millisecond
	c.Auth.CacheTTL = 15 * time.Minute

	c.Submit.Backend = "rest"
	c.Submit.Timeout = 10 * time.Second
	c.Submit.MaxRetries = 2
	c.Submit.RetryDelay = time.Second

	c.Breaker.Window = time.Minute
	c.Breaker.MinRequests = 10
	c.Breaker.FailureRatio = 0.5
	c.Breaker.Cooldown = 5 * time.Minute

	c.Throttle.MaxConnsPerSource = 10
	c.Throttle.MaxConnsTotal = 1000
	c.Throttle.SubmissionsPerMinute = 100
	c.Throttle.AuthFailureThreshold = 5
	c.Throttle.AuthFailureWindow = 5 * time.Minute
	c.Throttle.BlockDuration = time.Hour

	c.HTTP.Listen = ":9090"
	c.Logging.Level = "info"

	c.SES.Timeout = 10 * time.Second
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	setInt64(&c.SMTP.MaxAttachmentSize, "SMTP_MAX_ATTACHMENT_SIZE")
	setInt(&c.SMTP.MaxMIMEDepth, "SMTP_MAX_MIME_DEPTH")
	setInt(&c.SMTP.MaxRecipients, "SMTP_MAX_RECIPIENTS")
	setDuration(&c.SMTP.IdleTimeout, "SMTP_IDLE_TIMEOUT")
	setDuration(&c.SMTP.ShutdownGrace, "SMTP_SHUTDOWN_GRACE")

	setString(&c.Auth.URL, "AUTH_URL")
	setDuration(&c.Auth.Timeout, "AUTH_TIMEOUT")
	setInt(&c.Auth.MaxRetries, "AUTH_MAX_RETRIES")
	setDuration(&c.Auth.RetryDelay, "AUTH_RETRY_DELAY")
	setDuration(&c.Auth.CacheTTL, "AUTH_CACHE_TTL")

	setString(&c.Submit.Backend, "SUBMIT_BACKEND")
	setString(&c.Submit.URL, "SUBMIT_URL")
	setDuration(&c.Submit.Timeout, "SUBMIT_TIMEOUT")
	setInt(&c.Submit.MaxRetries, "SUBMIT_MAX_RETRIES")
	setDuration(&c.Submit.RetryDelay, "SUBMIT_RETRY_DELAY")

	setDuration(&c.Breaker.Window, "BREAKER_WINDOW")
	setInt(&c.Breaker.MinRequests, "BREAKER_MIN_REQUESTS")
	setFloat(&c.Breaker.FailureRatio, "BREAKER_FAILURE_RATIO")
	setDuration(&c.Breaker.Cooldown, "BREAKER_COOLDOWN")

	setInt(&c.Throttle.MaxConnsPerSource, "THROTTLE_MAX_CONNS_PER_SOURCE")
	setInt(&c.Throttle.MaxConnsTotal, "THROTTLE_MAX_CONNS_TOTAL")
	setInt(&c.Throttle.SubmissionsPerMinute, "THROTTLE_SUBMISSIONS_PER_MINUTE")
	setInt(&c.Throttle.AuthFailureThreshold, "THROTTLE_AUTH_FAILURE_THRESHOLD")
	setDuration(&c.Throttle.AuthFailureWindow, "THROTTLE_AUTH_FAILURE_WINDOW")
	setDuration(&c.Throttle.BlockDuration, "THROTTLE_BLOCK_DURATION")
	if v := os.Getenv("THROTTLE_ALLOW_LIST"); v != "" {
		c.Throttle.AllowList = splitAndTrim(v)
	}

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setString(&c.HTTP.Listen, "HTTP_LISTEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setDuration(&c.SES.Timeout, "SES_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
