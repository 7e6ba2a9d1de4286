package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mailgate/smtp-gateway/internal/metrics"
)

// baseAuthRetryDelay is the initial delay for exponential backoff
// between validation attempts.
const baseAuthRetryDelay = 500 * time.Millisecond

// AuthClientConfig holds the configuration for creating an AuthClient.
type AuthClientConfig struct {
	// BaseURL is the credential validation service base URL.
	BaseURL string

	// Timeout is the per-attempt request timeout.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	// for transient failures.
	MaxRetries int

	// RetryDelay is the initial backoff delay between attempts.
	RetryDelay time.Duration
}

// AuthClient validates username/password pairs against the remote
// account service and returns the opaque API token used to authorize
// message submission.
type AuthClient struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// NewAuthClient creates an AuthClient with the given configuration.
func NewAuthClient(cfg AuthClientConfig) *AuthClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = baseAuthRetryDelay
	}
	return &AuthClient{
		baseURL:    cfg.BaseURL,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// validateRequest is the JSON body sent to the validation endpoint.
type validateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// validateResponse is the JSON body returned on successful validation.
type validateResponse struct {
	APIKey string `json:"api_key"`
}

// Validate checks a credential pair with the remote service and returns
// the API token. Invalid credentials are never retried; server errors,
// network errors and timeouts are retried with exponential backoff up
// to the configured count.
func (c *AuthClient) Validate(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(validateRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("failed to marshal validation request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.retryDelay, attempt)
			slog.Debug("retrying credential validation",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return "", NewError(KindNetwork, 0, "cancelled while waiting to retry")
			}
		}

		token, err := c.doValidate(ctx, body)
		if err == nil {
			return token, nil
		}

		if !IsTransient(err) {
			return "", err
		}

		lastErr = err
		slog.Warn("transient credential validation failure",
			"attempt", attempt,
			"kind", KindOf(err).String(),
		)
	}

	return "", lastErr
}

// doValidate performs a single request to the validation endpoint.
func (c *AuthClient) doValidate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APILatency.WithLabelValues("auth", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", NewError(KindTimeout, 0, "validation request timed out")
		}
		return "", NewError(KindNetwork, 0, "validation request failed")
	}
	defer resp.Body.Close()
	metrics.APILatency.WithLabelValues("auth", strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusOK:
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", NewError(KindNetwork, resp.StatusCode, "failed to read validation response")
		}
		var vr validateResponse
		if err := json.Unmarshal(respBody, &vr); err != nil || vr.APIKey == "" {
			return "", NewError(KindServerError, resp.StatusCode, "validation response missing api_key")
		}
		return vr.APIKey, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", NewError(KindInvalidCredentials, resp.StatusCode, "credentials rejected")

	case resp.StatusCode >= 500:
		return "", NewError(KindServerError, resp.StatusCode, "validation service error")

	default:
		return "", NewError(KindServerError, resp.StatusCode, "unexpected validation response")
	}
}

// isTimeout reports whether a transport error was caused by an
// exceeded deadline.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// backoffDelay returns the exponential backoff delay for the given
// attempt number: base, 2*base, 4*base, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the
// context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
