// Package ses implements a Provider that sends emails via AWS SES v2.
// SES authorizes with AWS credentials, so the session token is not
// used by this backend.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/email"
)

// Config holds the configuration for creating a ses Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	client  SendEmailAPI
	timeout time.Duration
}

// New creates a ses Provider with the given configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.Timeout), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{client: client, timeout: timeout}
}

// Send performs one SendEmail call. For messages with attachments a
// raw MIME message is built; simple content is used otherwise. AWS
// errors are mapped into the shared taxonomy.
func (p *Provider) Send(ctx context.Context, _ string, msg *email.Message) (string, error) {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(msg)
		if err != nil {
			return "", api.NewError(api.KindValidation, 0, "failed to build raw message")
		}
		input = &sesv2.SendEmailInput{
			Destination: buildDestination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(msg)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.SendEmail(callCtx, input)
	if err != nil {
		return "", classifyAWSError(err)
	}
	if out.MessageId == nil || *out.MessageId == "" {
		return "", api.NewError(api.KindServerError, 0, "SES response missing message id")
	}
	return *out.MessageId, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// classifyAWSError maps SES failures to the shared taxonomy.
func classifyAWSError(err error) *api.Error {
	var (
		badRequest  *types.BadRequestException
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		suspended   *types.AccountSuspendedException
		paused      *types.SendingPausedException
		tooMany     *types.TooManyRequestsException
		overLimit   *types.LimitExceededException
	)

	switch {
	case errors.As(err, &badRequest), errors.As(err, &rejected),
		errors.As(err, &notVerified), errors.As(err, &suspended),
		errors.As(err, &paused):
		return api.NewError(api.KindValidation, 0, "SES rejected the message")
	case errors.As(err, &tooMany), errors.As(err, &overLimit):
		return api.NewError(api.KindRateLimit, 0, "SES throttled the request")
	case errors.Is(err, context.DeadlineExceeded):
		return api.NewError(api.KindTimeout, 0, "SES request timed out")
	default:
		return api.NewError(api.KindServerError, 0, "SES request failed")
	}
}

// buildDestination collects the recipient lists.
func buildDestination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SendEmailInput for messages without
// attachments.
func buildSimpleInput(msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      buildDestination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage constructs a raw MIME message for emails with
// attachments.
func buildRawMessage(msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	if msg.HtmlBody != "" {
		bodyHeader.Set("Content-Type", "text/html; charset=UTF-8")
		part, err := writer.CreatePart(bodyHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		part.Write([]byte(msg.HtmlBody))
	} else if msg.TextBody != "" {
		bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
		part, err := writer.CreatePart(bodyHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		part.Write([]byte(msg.TextBody))
	}

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64WithLineBreaks(att.Content)))
	}

	writer.Close()
	return buf.Bytes(), nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character
// line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
