package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// minimal env so Load passes validation.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_URL", "http://auth.internal")
	t.Setenv("SUBMIT_URL", "http://submit.internal")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.SMTP.Listen != ":2525" {
		t.Errorf("SMTP.Listen = %q, want :2525", cfg.SMTP.Listen)
	}
	if cfg.SMTP.MaxMessageSize != 26214400 {
		t.Errorf("SMTP.MaxMessageSize = %d, want 26214400", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.MaxRecipients != 100 {
		t.Errorf("SMTP.MaxRecipients = %d, want 100", cfg.SMTP.MaxRecipients)
	}
	if cfg.SMTP.MaxMIMEDepth != 10 {
		t.Errorf("SMTP.MaxMIMEDepth = %d, want 10", cfg.SMTP.MaxMIMEDepth)
	}
	if cfg.Auth.Timeout != 5*time.Second {
		t.Errorf("Auth.Timeout = %v, want 5s", cfg.Auth.Timeout)
	}
	if cfg.Auth.CacheTTL != 15*time.Minute {
		t.Errorf("Auth.CacheTTL = %v, want 15m", cfg.Auth.CacheTTL)
	}
	if cfg.Submit.Backend != "rest" {
		t.Errorf("Submit.Backend = %q, want rest", cfg.Submit.Backend)
	}
	if cfg.Breaker.FailureRatio != 0.5 {
		t.Errorf("Breaker.FailureRatio = %v, want 0.5", cfg.Breaker.FailureRatio)
	}
	if cfg.Breaker.Cooldown != 5*time.Minute {
		t.Errorf("Breaker.Cooldown = %v, want 5m", cfg.Breaker.Cooldown)
	}
	if cfg.Throttle.MaxConnsPerSource != 10 {
		t.Errorf("Throttle.MaxConnsPerSource = %d, want 10", cfg.Throttle.MaxConnsPerSource)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SMTP_LISTEN", ":1587")
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "1048576")
	t.Setenv("SMTP_IDLE_TIMEOUT", "90s")
	t.Setenv("SMTP_MAX_MIME_DEPTH", "5")
	t.Setenv("AUTH_CACHE_TTL", "1m")
	t.Setenv("BREAKER_FAILURE_RATIO", "0.75")
	t.Setenv("THROTTLE_ALLOW_LIST", "10.0.0.1, 10.0.0.2")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.SMTP.Listen != ":1587" {
		t.Errorf("SMTP.Listen = %q, want :1587", cfg.SMTP.Listen)
	}
	if cfg.SMTP.MaxMessageSize != 1048576 {
		t.Errorf("SMTP.MaxMessageSize = %d, want 1048576", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.IdleTimeout != 90*time.Second {
		t.Errorf("SMTP.IdleTimeout = %v, want 90s", cfg.SMTP.IdleTimeout)
	}
	if cfg.SMTP.MaxMIMEDepth != 5 {
		t.Errorf("SMTP.MaxMIMEDepth = %d, want 5", cfg.SMTP.MaxMIMEDepth)
	}
	if cfg.Auth.CacheTTL != time.Minute {
		t.Errorf("Auth.CacheTTL = %v, want 1m", cfg.Auth.CacheTTL)
	}
	if cfg.Breaker.FailureRatio != 0.75 {
		t.Errorf("Breaker.FailureRatio = %v, want 0.75", cfg.Breaker.FailureRatio)
	}
	want := []string{"10.0.0.1", "10.0.0.2"}
	if len(cfg.Throttle.AllowList) != 2 || cfg.Throttle.AllowList[0] != want[0] || cfg.Throttle.AllowList[1] != want[1] {
		t.Errorf("Throttle.AllowList = %v, want %v", cfg.Throttle.AllowList, want)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (lowercased)", cfg.Logging.Level)
	}
}

func TestLoadInvalidEnvValuesIgnored(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("SMTP_IDLE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.SMTP.MaxMessageSize != 26214400 {
		t.Errorf("invalid size override applied: %d", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.IdleTimeout != 5*time.Minute {
		t.Errorf("invalid duration override applied: %v", cfg.SMTP.IdleTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	setRequiredEnv(t)

	content := `
smtp:
  listen: ":587"
  hostname: "mail.example.com"
  max_recipients: 25
  idle_timeout: 2m
auth:
  url: "http://auth.file"
  timeout: 3s
submit:
  backend: rest
  url: "http://submit.file"
breaker:
  min_requests: 20
  cooldown: 90s
throttle:
  allow_list:
    - 192.168.1.1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() returned error: %v", err)
	}

	if cfg.SMTP.Listen != ":587" {
		t.Errorf("SMTP.Listen = %q, want :587", cfg.SMTP.Listen)
	}
	if cfg.SMTP.Hostname != "mail.example.com" {
		t.Errorf("SMTP.Hostname = %q", cfg.SMTP.Hostname)
	}
	if cfg.SMTP.MaxRecipients != 25 {
		t.Errorf("SMTP.MaxRecipients = %d, want 25", cfg.SMTP.MaxRecipients)
	}
	if cfg.SMTP.IdleTimeout != 2*time.Minute {
		t.Errorf("SMTP.IdleTimeout = %v, want 2m", cfg.SMTP.IdleTimeout)
	}
	if cfg.Auth.Timeout != 3*time.Second {
		t.Errorf("Auth.Timeout = %v, want 3s", cfg.Auth.Timeout)
	}
	if cfg.Breaker.MinRequests != 20 {
		t.Errorf("Breaker.MinRequests = %d, want 20", cfg.Breaker.MinRequests)
	}
	if cfg.Breaker.Cooldown != 90*time.Second {
		t.Errorf("Breaker.Cooldown = %v, want 90s", cfg.Breaker.Cooldown)
	}
	if len(cfg.Throttle.AllowList) != 1 || cfg.Throttle.AllowList[0] != "192.168.1.1" {
		t.Errorf("Throttle.AllowList = %v", cfg.Throttle.AllowList)
	}

	// Unset fields keep their defaults.
	if cfg.Submit.Timeout != 10*time.Second {
		t.Errorf("Submit.Timeout = %v, want default 10s", cfg.Submit.Timeout)
	}
}

func TestLoadFromFileEnvPrecedence(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SMTP_LISTEN", ":10025")

	content := "smtp:\n  listen: \":587\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() returned error: %v", err)
	}
	if cfg.SMTP.Listen != ":10025" {
		t.Errorf("SMTP.Listen = %q, env must win over file", cfg.SMTP.Listen)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"rest without url", func(c *Config) { c.Submit.URL = "" }, false},
		{"missing auth url", func(c *Config) { c.Auth.URL = "" }, false},
		{"unknown backend", func(c *Config) { c.Submit.Backend = "pigeon" }, false},
		{"ses without region", func(c *Config) { c.Submit.Backend = "ses" }, false},
		{"ses with region", func(c *Config) { c.Submit.Backend = "ses"; c.SES.Region = "us-east-1" }, true},
		{"stdout", func(c *Config) { c.Submit.Backend = "stdout"; c.Submit.URL = "" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			cfg.Auth.URL = "http://auth.internal"
			cfg.Submit.URL = "http://submit.internal"
			tc.mutate(cfg)

			err := cfg.validate()
			if tc.ok && err != nil {
				t.Errorf("validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("validate() = nil, want error")
			}
		})
	}
}
