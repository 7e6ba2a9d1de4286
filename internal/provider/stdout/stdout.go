// Package stdout implements a Provider that prints messages to
// standard output. Used for local development and tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/mailgate/smtp-gateway/internal/email"
)

// Provider prints messages to stdout in a human-readable format and
// fabricates a delivery identifier.
type Provider struct {
	writer io.Writer
}

// New creates a stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a stdout Provider that writes to the given
// writer. Useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message and returns a generated delivery id.
func (p *Provider) Send(_ context.Context, _ string, msg *email.Message) (string, error) {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%d bytes)", att.Filename, len(att.Content)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}

	b.WriteString("========================================\n")

	fmt.Fprint(p.writer, b.String())
	return "stdout-" + uuid.NewString(), nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
