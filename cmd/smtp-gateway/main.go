// Package main is the entry point for the SMTP gateway.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/authcache"
	"github.com/mailgate/smtp-gateway/internal/breaker"
	"github.com/mailgate/smtp-gateway/internal/config"
	"github.com/mailgate/smtp-gateway/internal/httpd"
	"github.com/mailgate/smtp-gateway/internal/metrics"
	"github.com/mailgate/smtp-gateway/internal/parser"
	"github.com/mailgate/smtp-gateway/internal/provider"
	"github.com/mailgate/smtp-gateway/internal/provider/rest"
	"github.com/mailgate/smtp-gateway/internal/provider/ses"
	"github.com/mailgate/smtp-gateway/internal/provider/stdout"
	"github.com/mailgate/smtp-gateway/internal/smtp"
	"github.com/mailgate/smtp-gateway/internal/submit"
	"github.com/mailgate/smtp-gateway/internal/throttle"
	gwtls "github.com/mailgate/smtp-gateway/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Load or generate TLS certificates
	tlsConfig, err := gwtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	// Credential validation with caching
	authClient := api.NewAuthClient(api.AuthClientConfig{
		BaseURL:    cfg.Auth.URL,
		Timeout:    cfg.Auth.Timeout,
		MaxRetries: cfg.Auth.MaxRetries,
		RetryDelay: cfg.Auth.RetryDelay,
	})
	cache := authcache.New(authClient, cfg.Auth.CacheTTL)

	// Delivery backend behind the circuit breaker
	prov := selectProvider(cfg)
	brk := breaker.New(breaker.Config{
		Window:       cfg.Breaker.Window,
		MinRequests:  uint32(cfg.Breaker.MinRequests),
		FailureRatio: cfg.Breaker.FailureRatio,
		Cooldown:     cfg.Breaker.Cooldown,
		OnStateChange: func(state string) {
			metrics.BreakerState.Set(breaker.StateValue(state))
			slog.Warn("circuit breaker state changed", "state", state)
		},
	})
	submitter := submit.New(prov, brk, submit.Config{
		MaxRetries:     cfg.Submit.MaxRetries,
		BaseRetryDelay: cfg.Submit.RetryDelay,
	})

	throttler := throttle.New(throttle.Config{
		MaxConnsPerSource:    cfg.Throttle.MaxConnsPerSource,
		MaxConnsTotal:        cfg.Throttle.MaxConnsTotal,
		SubmissionsPerMinute: cfg.Throttle.SubmissionsPerMinute,
		AuthFailureThreshold: cfg.Throttle.AuthFailureThreshold,
		AuthFailureWindow:    cfg.Throttle.AuthFailureWindow,
		BlockDuration:        cfg.Throttle.BlockDuration,
		AllowList:            cfg.Throttle.AllowList,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		TLSConfig:      tlsConfig,
		Cache:          cache,
		Submitter:      submitter,
		Throttler:      throttler,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		ShutdownGrace:  cfg.SMTP.ShutdownGrace,
		ParserLimits: parser.Limits{
			MaxAttachmentSize: cfg.SMTP.MaxAttachmentSize,
			MaxMessageSize:    cfg.SMTP.MaxMessageSize,
			MaxDepth:          cfg.SMTP.MaxMIMEDepth,
		},
	})

	httpServer := httpd.New(cfg.HTTP.Listen, server.Ready)

	slog.Info("starting smtp-gateway",
		"listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"backend", prov.Name(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Background cache maintenance
	go cache.Run(ctx)
	go reportCacheSize(ctx, cache)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })
	g.Go(func() error { return httpServer.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-gateway stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the delivery backend based on configuration.
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Submit.Backend {
	case "rest":
		slog.Info("using REST delivery backend", "url", cfg.Submit.URL)
		return rest.New(rest.Config{
			BaseURL: cfg.Submit.URL,
			Timeout: cfg.Submit.Timeout,
		})

	case "ses":
		slog.Info("using AWS SES delivery backend", "region", cfg.SES.Region)
		p, err := ses.New(context.Background(), ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Timeout:         cfg.SES.Timeout,
		})
		if err != nil {
			slog.Error("failed to create SES backend", "error", err)
			os.Exit(1)
		}
		return p

	case "stdout":
		slog.Info("using stdout delivery backend")
		return stdout.New()

	default:
		// Config validation rejects unknown backends before this point.
		slog.Error("unknown delivery backend", "backend", cfg.Submit.Backend)
		os.Exit(1)
		return nil
	}
}

// reportCacheSize periodically exports the credential cache entry count.
func reportCacheSize(ctx context.Context, cache *authcache.Cache) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.CredentialCacheSize.Set(float64(cache.Len()))
		}
	}
}
