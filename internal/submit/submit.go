// Package submit fans a transaction out to the delivery backend, one
// call per effective recipient, with circuit-breaker gating, bounded
// retry and partial-success aggregation.
package submit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/breaker"
	"github.com/mailgate/smtp-gateway/internal/email"
	"github.com/mailgate/smtp-gateway/internal/metrics"
	"github.com/mailgate/smtp-gateway/internal/provider"
)

// Config tunes the per-recipient retry behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after the first
	// for transient failures.
	MaxRetries int

	// BaseRetryDelay is the initial exponential backoff delay.
	BaseRetryDelay time.Duration
}

// RecipientFailure is one itemized delivery failure.
type RecipientFailure struct {
	Recipient string
	Err       error
}

// Result aggregates the per-recipient outcomes of one transaction.
type Result struct {
	Succeeded   []string
	DeliveryIDs []string
	Failed      []RecipientFailure
}

// AllSucceeded reports whether every recipient was delivered.
func (r *Result) AllSucceeded() bool {
	return len(r.Failed) == 0 && len(r.Succeeded) > 0
}

// AllFailed reports whether no recipient was delivered.
func (r *Result) AllFailed() bool {
	return len(r.Succeeded) == 0
}

// PrimaryError selects the most specific failure for reply mapping:
// a rate limit (it carries the upstream retry-after) wins over other
// kinds; a transaction whose failures are all validation rejections
// reports validation; otherwise the first transient failure stands in
// for the group.
func (r *Result) PrimaryError() error {
	if len(r.Failed) == 0 {
		return nil
	}
	allValidation := true
	for _, f := range r.Failed {
		if api.KindOf(f.Err) == api.KindRateLimit {
			return f.Err
		}
		if api.KindOf(f.Err) != api.KindValidation {
			allValidation = false
		}
	}
	if allValidation {
		return r.Failed[0].Err
	}
	for _, f := range r.Failed {
		if api.KindOf(f.Err) != api.KindValidation {
			return f.Err
		}
	}
	return r.Failed[0].Err
}

// Submitter issues delivery calls through the breaker.
type Submitter struct {
	provider provider.Provider
	breaker  *breaker.Breaker
	cfg      Config
}

// New creates a Submitter. Zero config fields select the defaults:
// 2 retries, 1s base delay.
func New(p provider.Provider, b *breaker.Breaker, cfg Config) *Submitter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	return &Submitter{provider: p, breaker: b, cfg: cfg}
}

// Submit delivers the message to every effective recipient
// concurrently and aggregates the outcome. The context bounds retries
// but an attempt already in flight completes on its own schedule and
// still feeds the breaker.
func (s *Submitter) Submit(ctx context.Context, token string, msg *email.Message, recipients []string) *Result {
	recipients = dedupe(recipients)

	type outcome struct {
		recipient  string
		deliveryID string
		err        error
	}

	outcomes := make([]outcome, len(recipients))
	var wg sync.WaitGroup

	for i, rcpt := range recipients {
		wg.Add(1)
		go func(i int, rcpt string) {
			defer wg.Done()
			id, err := s.sendWithRetry(ctx, token, msg.ForRecipient(rcpt))
			outcomes[i] = outcome{recipient: rcpt, deliveryID: id, err: err}
		}(i, rcpt)
	}
	wg.Wait()

	result := &Result{}
	for _, o := range outcomes {
		if o.err == nil {
			result.Succeeded = append(result.Succeeded, o.recipient)
			result.DeliveryIDs = append(result.DeliveryIDs, o.deliveryID)
			continue
		}
		metrics.UpstreamErrors.WithLabelValues("submit", api.KindOf(o.err).String()).Inc()
		result.Failed = append(result.Failed, RecipientFailure{Recipient: o.recipient, Err: o.err})
	}
	return result
}

// sendWithRetry issues breaker-gated attempts for one recipient.
// Transient failures are retried with exponential backoff; rate limits
// and breaker rejections are surfaced immediately.
func (s *Submitter) sendWithRetry(ctx context.Context, token string, msg *email.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.BaseRetryDelay << (attempt - 1)
			slog.Debug("retrying submission",
				"attempt", attempt,
				"max_retries", s.cfg.MaxRetries,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(delay):
			}
		}

		id, err := s.breaker.Do(func() (string, error) {
			return s.provider.Send(ctx, token, msg)
		})
		if err == nil {
			return id, nil
		}
		if !api.IsTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// dedupe removes duplicate recipients while preserving order.
func dedupe(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
