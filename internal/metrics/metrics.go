// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted and rejected connections.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_connections_total",
		Help: "Total number of SMTP connections.",
	}, []string{"status"})

	// ActiveConnections tracks currently open sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smtp_active_connections",
		Help: "Current number of active SMTP connections.",
	})

	// CommandsTotal counts processed SMTP commands.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_commands_total",
		Help: "Total number of SMTP commands processed.",
	}, []string{"command"})

	// EmailsReceivedTotal counts completed DATA transactions.
	EmailsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_emails_received_total",
		Help: "Total number of emails received over SMTP.",
	}, []string{"status"})

	// EmailsForwardedTotal counts transactions forwarded upstream.
	EmailsForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_emails_forwarded_total",
		Help: "Total number of emails forwarded to the delivery API.",
	}, []string{"status"})

	// AuthFailuresTotal counts authentication failures by reason.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_auth_failures_total",
		Help: "Total number of authentication failures.",
	}, []string{"reason"})

	// UpstreamErrors counts typed upstream call failures.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smtp_api_errors_total",
		Help: "Total number of upstream API errors.",
	}, []string{"endpoint", "kind"})

	// APILatency observes upstream call latency.
	APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smtp_api_latency_seconds",
		Help:    "Upstream API request latency in seconds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint", "status"})

	// MessageSize observes accepted message sizes.
	MessageSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "smtp_message_size_bytes",
		Help:    "Email message size in bytes.",
		Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
	})

	// ConnectionDuration observes session lifetimes.
	ConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "smtp_connection_duration_seconds",
		Help:    "SMTP connection duration in seconds.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// CredentialCacheSize tracks the credential cache entry count.
	CredentialCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smtp_api_key_cache_size",
		Help: "Current size of the credential cache.",
	})

	// BreakerState exports the circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smtp_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	})
)
