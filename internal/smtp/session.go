package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/metrics"
	"github.com/mailgate/smtp-gateway/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// Session represents a single SMTP client connection and manages the
// protocol state machine. It is owned exclusively by its connection
// goroutine; only the cache, submitter and throttler it references are
// shared.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	server *Server

	// correlationID ties every log line of this session together.
	correlationID string
	remoteIP      string

	tlsActive     bool
	authenticated bool
	token         string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, server *Server) *Session {
	return &Session{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		writer:        bufio.NewWriter(conn),
		state:         stateConnected,
		server:        server,
		correlationID: uuid.NewString(),
		remoteIP:      hostOnly(conn.RemoteAddr()),
	}
}

// log returns a logger carrying the session's identity.
func (s *Session) log() *slog.Logger {
	return slog.With("correlation_id", s.correlationID, "peer", s.remoteIP)
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, the idle deadline passes, or the server shuts down.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP service ready", s.server.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if isDeadline(err) {
				s.log().Info("session idle timeout")
				s.writeLine("421 Idle timeout, closing connection")
			} else if err != io.EOF {
				s.log().Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		metrics.CommandsTotal.WithLabelValues(cmd).Inc()
		if done := s.dispatch(ctx, cmd, arg); done {
			return
		}
	}
}

// readLine reads one command line under the idle deadline. Only the
// read side is armed so a timeout reply can still be written.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.IdleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dispatch processes a single SMTP command and returns true when the
// session should end. Panics are converted to a temporary failure so a
// programming error in one session can never take the process down.
func (s *Session) dispatch(ctx context.Context, cmd, arg string) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log().Error("panic while processing command",
				"command", cmd,
				"panic", r,
			)
			s.writeLine("451 Internal error, please try again later")
			done = false
		}
	}()

	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(ctx, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO. The capability list depends on the
// encryption state: STARTTLS is offered until the upgrade happens, the
// AUTH mechanisms only after it.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.server.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.server.cfg.Hostname, arg)
	if !s.tlsActive {
		s.writeLine("250-STARTTLS")
	} else {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.server.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. The upgrade is
// accepted once, before authentication.
func (s *Session) handleSTARTTLS() {
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}
	if s.authenticated {
		s.writeLine("503 TLS upgrade must precede authentication")
		return
	}

	s.writeLine("220 Ready to start TLS")

	// The handshake runs under the idle deadline already set on the
	// underlying connection.
	tlsConn := tls.Server(s.conn, s.server.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log().Warn("TLS handshake failed", "error", err)
		// The stream is unusable after a failed handshake.
		s.conn.Close()
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// Protocol requires a fresh greeting after the upgrade.
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN. Authentication is
// rejected until the connection is encrypted.
func (s *Session) handleAUTH(ctx context.Context, arg string) {
	if !s.tlsActive {
		s.writeLine("530 Must issue a STARTTLS command first")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.authenticated {
		s.writeLine("503 Already authenticated")
		return
	}
	if arg == "" {
		s.writeLine("501 Syntax error: AUTH mechanism required")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	var username, password string
	var err error

	switch mechanism {
	case "PLAIN":
		var encoded string
		if len(parts) > 1 && parts[1] != "" {
			encoded = parts[1]
		} else {
			s.writeLine("334")
			encoded, err = s.readLine()
			if err != nil {
				return
			}
		}
		if encoded == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		username, password, err = decodePlain(encoded)

	case "LOGIN":
		// Challenges are base64("Username:") and base64("Password:").
		s.writeLine("334 VXNlcm5hbWU6")
		encodedUser, rerr := s.readLine()
		if rerr != nil {
			return
		}
		if encodedUser == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		s.writeLine("334 UGFzc3dvcmQ6")
		encodedPass, rerr := s.readLine()
		if rerr != nil {
			return
		}
		if encodedPass == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		username, password, err = decodeLogin(encodedUser, encodedPass)

	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("malformed").Inc()
		s.writeLine("535 Authentication credentials invalid")
		return
	}

	s.authenticate(ctx, username, password)
}

// authenticate validates the credential pair through the cache and
// applies the outcome to the session and the throttler.
func (s *Session) authenticate(ctx context.Context, username, password string) {
	token, err := s.server.cfg.Cache.Validate(ctx, username, password)
	if err != nil {
		switch api.KindOf(err) {
		case api.KindInvalidCredentials:
			s.log().Warn("authentication failed")
			metrics.AuthFailuresTotal.WithLabelValues("invalid_credentials").Inc()
			s.server.cfg.Throttler.RecordAuthFailure(s.remoteIP)
			s.writeLine("535 Authentication failed")
		default:
			s.log().Warn("temporary authentication failure", "kind", api.KindOf(err).String())
			metrics.AuthFailuresTotal.WithLabelValues(api.KindOf(err).String()).Inc()
			metrics.UpstreamErrors.WithLabelValues("auth", api.KindOf(err).String()).Inc()
			s.writeLine("451 Temporary authentication failure, please try again")
		}
		return
	}

	s.token = token
	s.authenticated = true
	s.state = stateAuthOK
	s.log().Info("authentication successful")
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if !s.authenticated {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command, bounded by the configured
// recipient cap.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if len(s.rcptTo) >= s.server.cfg.MaxRecipients {
		s.writeLine("452 Too many recipients (max %d)", s.server.cfg.MaxRecipients)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA accumulates the message body, parses it, and forwards the
// transaction through the submitter.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	if !s.server.cfg.Throttler.AllowSubmission(s.remoteIP) {
		s.log().Warn("submission rate limit reached")
		s.writeLine("451 Submission rate limit exceeded, try again later")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readBody()
	if err != nil {
		s.log().Debug("error reading message body", "error", err)
		return
	}
	if tooLarge {
		metrics.EmailsReceivedTotal.WithLabelValues("rejected").Inc()
		s.writeLine("552 Message exceeds maximum size of %d bytes", s.server.cfg.MaxMessageSize)
		s.resetTransaction()
		return
	}

	metrics.MessageSize.Observe(float64(len(raw)))

	msg, err := parser.Parse(raw, s.server.cfg.ParserLimits)
	if err != nil {
		metrics.EmailsReceivedTotal.WithLabelValues("rejected").Inc()
		if errors.Is(err, parser.ErrMessageTooLarge) || errors.Is(err, parser.ErrAttachmentTooLarge) {
			s.writeLine("552 Message or attachment exceeds size limit")
		} else {
			s.log().Warn("failed to parse message", "error", err)
			s.writeLine("550 Failed to process message")
		}
		s.resetTransaction()
		return
	}
	metrics.EmailsReceivedTotal.WithLabelValues("accepted").Inc()

	if msg.From == "" {
		msg.From = s.mailFrom
	}
	msg.EnsureMessageID(s.server.cfg.Hostname)

	result := s.server.cfg.Submitter.Submit(ctx, s.token, msg, s.rcptTo)

	switch {
	case result.AllSucceeded():
		metrics.EmailsForwardedTotal.WithLabelValues("success").Inc()
		if len(result.DeliveryIDs) == 1 {
			s.writeLine("250 OK message accepted for delivery: %s", result.DeliveryIDs[0])
		} else {
			s.writeLine("250 OK message accepted for %d recipients", len(result.Succeeded))
		}

	case result.AllFailed():
		metrics.EmailsForwardedTotal.WithLabelValues("failed").Inc()
		s.writeFailure(result.PrimaryError())

	default:
		metrics.EmailsForwardedTotal.WithLabelValues("partial").Inc()
		for _, f := range result.Failed {
			s.log().Warn("recipient delivery failed",
				"recipient", f.Recipient,
				"kind", api.KindOf(f.Err).String(),
			)
		}
		s.writeLine("250 OK message accepted for %d of %d recipients",
			len(result.Succeeded), len(result.Succeeded)+len(result.Failed))
	}

	s.resetTransaction()
}

// readBody reads the dot-stuffed message body up to the terminator.
// Accumulation stops at the size ceiling but the stream is drained to
// the terminator so the session can answer and continue.
func (s *Session) readBody() (raw []byte, tooLarge bool, err error) {
	var buf bytes.Buffer
	limit := s.server.cfg.MaxMessageSize

	for {
		// The idle deadline applies per line while receiving the body.
		if err := s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.IdleTimeout)); err != nil {
			return nil, false, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: a leading ".." collapses to ".".
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > limit {
			tooLarge = true
			continue
		}
		buf.WriteString(line)
	}

	return buf.Bytes(), tooLarge, nil
}

// writeFailure maps a fully-failed transaction to its reply code.
func (s *Session) writeFailure(err error) {
	switch api.KindOf(err) {
	case api.KindValidation:
		s.writeLine("550 Message rejected by delivery service")
	case api.KindRateLimit:
		if retryAfter := api.RetryAfterOf(err); retryAfter > 0 {
			s.writeLine("451 Rate limit exceeded, retry after %d seconds", int(retryAfter.Seconds()))
		} else {
			s.writeLine("451 Rate limit exceeded, try again later")
		}
	case api.KindCircuitOpen:
		s.writeLine("451 Delivery service temporarily unavailable")
	default:
		s.writeLine("451 Temporary failure, please try again later")
	}
}

// resetTransaction clears the current mail transaction without
// affecting the session state (greeting, TLS, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.authenticated && s.state > stateAuthOK {
		s.state = stateAuthOK
	} else if !s.authenticated && s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted reply line followed by CRLF.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log().Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log().Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the verb and argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	// Strip trailing ESMTP parameters from a bare address.
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// isDeadline reports whether a read failed due to the idle deadline.
func isDeadline(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// hostOnly strips the port from a remote address.
func hostOnly(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
