// Package rest implements a Provider that submits messages to the
// remote email delivery REST API.
package rest

import (
	"encoding/base64"

	"github.com/mailgate/smtp-gateway/internal/email"
)

// submitRequest is the request body for the email submission endpoint.
type submitRequest struct {
	From        address             `json:"from"`
	To          []address           `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text,omitempty"`
	HTML        string              `json:"html,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Attachments []submitAttachment  `json:"attachments,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
}

// address wraps an email address in the API's object form.
type address struct {
	Email string `json:"email"`
}

// submitAttachment carries one base64-encoded attachment.
type submitAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// submitResponse is the success body; the API has used both keys.
type submitResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

// errorResponse is the error body returned with non-2xx statuses.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// buildSubmitRequest converts a message into the submission payload.
func buildSubmitRequest(msg *email.Message) *submitRequest {
	req := &submitRequest{
		From:    address{Email: msg.From},
		Subject: msg.Subject,
		Text:    msg.TextBody,
		HTML:    msg.HtmlBody,
		ReplyTo: msg.ReplyTo,
	}

	req.To = make([]address, 0, len(msg.To))
	for _, addr := range msg.To {
		req.To = append(req.To, address{Email: addr})
	}

	if len(msg.Attachments) > 0 {
		req.Attachments = make([]submitAttachment, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			req.Attachments = append(req.Attachments, submitAttachment{
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Content:     base64.StdEncoding.EncodeToString(att.Content),
			})
		}
	}

	if len(msg.Headers) > 0 {
		req.Headers = msg.Headers
	}

	return req
}
