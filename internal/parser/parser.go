// Package parser provides RFC 5322 email message parsing with MIME
// multipart support and size ceilings enforced during extraction.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/mailgate/smtp-gateway/internal/email"
)

// ErrMessageTooLarge is returned when the decoded message content
// exceeds the per-message ceiling.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// ErrAttachmentTooLarge is returned when a single decoded attachment
// exceeds the per-attachment ceiling.
var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// Limits bounds the cost of parsing one message. Zero fields select
// the defaults: 10MB per attachment, 25MB per message, depth 10.
type Limits struct {
	MaxAttachmentSize int64
	MaxMessageSize    int64
	MaxDepth          int
}

func (l Limits) withDefaults() Limits {
	if l.MaxAttachmentSize <= 0 {
		l.MaxAttachmentSize = 10 * 1024 * 1024
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 25 * 1024 * 1024
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = 10
	}
	return l
}

// extraction carries parse state through nested multipart levels.
type extraction struct {
	msg    *email.Message
	limits Limits
	total  int64
}

// Parse parses a raw RFC 5322 email message into a Message. It handles
// plain text messages, multipart messages with text/html bodies, and
// attachments. Size ceilings abort parsing with a typed error before
// any upstream call is made; unrecognized MIME parts are logged as
// warnings and skipped.
func Parse(raw []byte, limits Limits) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		Headers: make(map[string][]string),
	}

	// Custom X-* headers are forwarded to the submission API verbatim.
	for key, values := range msg.Header {
		if strings.HasPrefix(strings.ToUpper(key), "X-") {
			result.Headers[key] = values
		}
	}

	result.From = msg.Header.Get("From")
	result.Subject = msg.Header.Get("Subject")
	result.ReplyTo = msg.Header.Get("Reply-To")
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	result.Bcc = parseAddressList(msg.Header.Get("Bcc"))

	ex := &extraction{msg: result, limits: limits.withDefaults()}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := ex.readBounded(msg.Body)
		if readErr != nil {
			return nil, readErr
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := ex.parseMultipart(msg.Body, boundary, 1); err != nil {
			return nil, err
		}
	} else {
		body, err := ex.readBounded(msg.Body)
		if err != nil {
			return nil, err
		}
		switch mediaType {
		case "text/plain":
			result.TextBody = string(body)
		case "text/html":
			result.HtmlBody = string(body)
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			result.TextBody = string(body)
		}
	}

	return result, nil
}

// parseMultipart processes one multipart level, extracting text/plain,
// text/html parts and attachments. Nesting beyond the depth cap is
// skipped to bound parsing cost.
func (ex *extraction) parseMultipart(body io.Reader, boundary string, depth int) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed boundaries are handled best-effort: keep what
			// was extracted so far.
			slog.Warn("malformed multipart structure", "error", err, "depth", depth)
			return nil
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if depth >= ex.limits.MaxDepth {
				slog.Warn("multipart nesting depth cap reached, skipping subtree",
					"depth", depth,
				)
				continue
			}
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := ex.parseMultipart(part, nestedBoundary, depth+1); err != nil {
				return err
			}
			continue
		}

		content, err := ex.readPartContent(part)
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				return err
			}
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		contentDisposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(contentDisposition, "attachment")

		if isAttachment {
			if err := ex.addAttachment(part, mediaType, params, content); err != nil {
				return err
			}
			continue
		}

		switch mediaType {
		case "text/plain":
			if ex.msg.TextBody == "" {
				ex.msg.TextBody = string(content)
			}
		case "text/html":
			if ex.msg.HtmlBody == "" {
				ex.msg.HtmlBody = string(content)
			}
		default:
			// A filename makes an inline part an attachment even
			// without the disposition header.
			if extractFilename(part, params) != "" {
				if err := ex.addAttachment(part, mediaType, params, content); err != nil {
					return err
				}
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", contentDisposition,
				)
			}
		}
	}

	return nil
}

// addAttachment records a decoded attachment, enforcing the
// per-attachment ceiling.
func (ex *extraction) addAttachment(part *multipart.Part, mediaType string, params map[string]string, content []byte) error {
	if int64(len(content)) > ex.limits.MaxAttachmentSize {
		return fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, len(content))
	}
	ex.msg.Attachments = append(ex.msg.Attachments, email.Attachment{
		Filename:    extractFilenameOrDefault(part, mediaType, params),
		ContentType: mediaType,
		Content:     content,
	})
	return nil
}

// readBounded reads a body while accounting against the per-message
// ceiling.
func (ex *extraction) readBounded(r io.Reader) ([]byte, error) {
	remaining := ex.limits.MaxMessageSize - ex.total
	data, err := io.ReadAll(io.LimitReader(r, remaining+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if int64(len(data)) > remaining {
		return nil, fmt.Errorf("%w: content over %d bytes", ErrMessageTooLarge, ex.limits.MaxMessageSize)
	}
	ex.total += int64(len(data))
	return data, nil
}

// readPartContent reads the full decoded content of a MIME part,
// handling base64 Content-Transfer-Encoding. Quoted-printable is
// decoded by the multipart reader itself.
func (ex *extraction) readPartContent(part *multipart.Part) ([]byte, error) {
	raw, err := ex.readBounded(part)
	if err != nil {
		return nil, err
	}

	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))
	switch encoding {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	return ""
}

// extractFilenameOrDefault falls back to a name derived from the media
// type, since the submission API requires a filename per attachment.
func extractFilenameOrDefault(part *multipart.Part, mediaType string, params map[string]string) string {
	if fn := extractFilename(part, params); fn != "" {
		return fn
	}
	if idx := strings.IndexByte(mediaType, '/'); idx > 0 && idx < len(mediaType)-1 {
		return "attachment." + mediaType[idx+1:]
	}
	return "attachment"
}

// parseAddressList splits a comma-separated address list into
// individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails.
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
