// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/mailgate/smtp-gateway/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Send performs exactly one delivery attempt for the message as
// addressed and returns the upstream delivery identifier; retry,
// breaker gating and recipient fan-out live above this interface.
// Failures must be typed api errors so the caller can classify them.
type Provider interface {
	// Send delivers a message in a single attempt. The token is the
	// session's validated API token; backends with their own
	// credentials may ignore it.
	Send(ctx context.Context, token string, msg *email.Message) (deliveryID string, err error)

	// Name returns the human-readable name of this provider.
	Name() string
}
