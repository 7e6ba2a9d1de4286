// Package breaker gates outbound submission calls behind a circuit
// breaker so a degraded upstream fails fast instead of tying up every
// session in timeouts.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mailgate/smtp-gateway/internal/api"
)

// Config tunes the breaker's rolling window and cooldown.
type Config struct {
	// Window is the rolling observation window while closed.
	Window time.Duration

	// MinRequests is the minimum number of requests within the window
	// before the failure ratio is considered.
	MinRequests uint32

	// FailureRatio opens the breaker when reached.
	FailureRatio float64

	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe.
	Cooldown time.Duration

	// OnStateChange is invoked after every transition. Optional.
	OnStateChange func(state string)
}

// Breaker wraps a gobreaker circuit breaker with the gateway's outcome
// classification: only upstream-degradation errors count as failures,
// so client-input rejections cannot open the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a Breaker. Zero config fields select the defaults:
// 60s window, 10 minimum requests, 50% failure ratio, 5m cooldown.
func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}

	settings := gobreaker.Settings{
		Name:        "submission",
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return !api.IsUpstreamDegradation(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(to.String())
			}
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs one delivery attempt through the breaker. While the circuit
// is open the attempt is rejected without any network call and a typed
// circuit-open error is returned.
func (b *Breaker) Do(fn func() (string, error)) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", api.NewError(api.KindCircuitOpen, 0, "submission circuit open")
		}
		return "", err
	}
	return v.(string), nil
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// StateValue returns the state encoded for the metrics gauge:
// 0 closed, 1 open, 2 half-open.
func StateValue(state string) float64 {
	switch state {
	case gobreaker.StateOpen.String():
		return 1
	case gobreaker.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}
