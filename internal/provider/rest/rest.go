package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/email"
	"github.com/mailgate/smtp-gateway/internal/metrics"
)

// Config holds the configuration for creating a rest Provider.
type Config struct {
	// BaseURL is the delivery API base URL.
	BaseURL string

	// Timeout is the per-call request timeout.
	Timeout time.Duration
}

// Provider submits messages to the delivery REST API, authorized by
// the per-session validated token.
type Provider struct {
	submitURL  string
	httpClient *http.Client
}

// New creates a rest Provider with the given configuration.
func New(cfg Config) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Provider{
		submitURL:  cfg.BaseURL + "/email",
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send performs one submission call. Responses are classified into the
// shared taxonomy: 400 validation (permanent), 429 rate limit with the
// upstream Retry-After, 5xx server error, transport failures network
// or timeout.
func (p *Provider) Send(ctx context.Context, token string, msg *email.Message) (string, error) {
	body, err := json.Marshal(buildSubmitRequest(msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.submitURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.APILatency.WithLabelValues("submit", "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", api.NewError(api.KindTimeout, 0, "submission request timed out")
		}
		return "", api.NewError(api.KindNetwork, 0, "submission request failed")
	}
	defer resp.Body.Close()
	metrics.APILatency.WithLabelValues("submit", strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", api.NewError(api.KindNetwork, resp.StatusCode, "failed to read submission response")
		}
		var sr submitResponse
		if err := json.Unmarshal(respBody, &sr); err != nil {
			return "", api.NewError(api.KindServerError, resp.StatusCode, "unparseable submission response")
		}
		id := sr.MessageID
		if id == "" {
			id = sr.ID
		}
		if id == "" {
			return "", api.NewError(api.KindServerError, resp.StatusCode, "submission response missing message id")
		}
		return id, nil
	}

	return "", classifyResponse(resp)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "rest"
}

// classifyResponse maps a non-2xx submission response to a typed error.
func classifyResponse(resp *http.Response) *api.Error {
	detail := errorDetail(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return api.NewError(api.KindValidation, resp.StatusCode, detail)

	case resp.StatusCode == http.StatusTooManyRequests:
		e := api.NewError(api.KindRateLimit, resp.StatusCode, detail)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e

	case resp.StatusCode >= 500:
		return api.NewError(api.KindServerError, resp.StatusCode, detail)

	default:
		return api.NewError(api.KindValidation, resp.StatusCode, detail)
	}
}

// errorDetail extracts the error message from an API error body,
// falling back to a generic description.
func errorDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "submission rejected"
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return "submission rejected"
}

// parseRetryAfter parses a Retry-After header given in seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// isTimeout reports whether a transport error was caused by an
// exceeded deadline.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
