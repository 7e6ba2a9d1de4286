// Package email defines the parsed message model shared by the parser,
// the submitter and the delivery providers.
package email

import (
	"fmt"

	"github.com/google/uuid"
)

// Message represents a parsed email message with all its components.
// It is created once per transaction by the parser, handed to the
// submitter, and discarded after delivery.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	ReplyTo     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	Headers     map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// EnsureMessageID fills in a generated Message-ID when the source
// message omitted one.
func (m *Message) EnsureMessageID(hostname string) {
	if m.MessageID != "" {
		return
	}
	m.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), hostname)
}

// ForRecipient returns a copy of the message addressed to a single
// effective recipient. Body parts, attachments and headers are shared
// with the original; only the recipient lists differ.
func (m *Message) ForRecipient(addr string) *Message {
	cp := *m
	cp.To = []string{addr}
	cp.Cc = nil
	cp.Bcc = nil
	return &cp
}

// Size returns the approximate byte size of the message content:
// body parts plus decoded attachment payloads.
func (m *Message) Size() int64 {
	total := int64(len(m.TextBody) + len(m.HtmlBody))
	for _, att := range m.Attachments {
		total += int64(len(att.Content))
	}
	return total
}
