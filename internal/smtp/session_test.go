package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgate/smtp-gateway/internal/api"
	"github.com/mailgate/smtp-gateway/internal/authcache"
	"github.com/mailgate/smtp-gateway/internal/breaker"
	"github.com/mailgate/smtp-gateway/internal/email"
	"github.com/mailgate/smtp-gateway/internal/parser"
	"github.com/mailgate/smtp-gateway/internal/submit"
	"github.com/mailgate/smtp-gateway/internal/throttle"
	gwtls "github.com/mailgate/smtp-gateway/internal/tls"
)

// fakeValidator stands in for the credential validation service.
type fakeValidator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeValidator) Validate(_ context.Context, _, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "token-test", nil
}

// fakeDelivery scripts per-recipient outcomes and records sent messages.
type fakeDelivery struct {
	mu    sync.Mutex
	sent  []*email.Message
	token string
	errs  map[string]error
}

func (f *fakeDelivery) Send(_ context.Context, token string, msg *email.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	if err, ok := f.errs[msg.To[0]]; ok && err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "dlv-" + msg.To[0], nil
}

func (f *fakeDelivery) Name() string { return "fake" }

func (f *fakeDelivery) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testEnv bundles a server with its fake collaborators.
type testEnv struct {
	server    *Server
	validator *fakeValidator
	delivery  *fakeDelivery
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()

	tlsConfig, err := gwtls.LoadOrGenerateTLS("", "", "gw.test")
	if err != nil {
		t.Fatalf("failed to generate TLS identity: %v", err)
	}

	validator := &fakeValidator{}
	delivery := &fakeDelivery{errs: map[string]error{}}

	cfg := ServerConfig{
		Hostname:  "gw.test",
		TLSConfig: tlsConfig,
		Cache:     authcache.New(validator, time.Minute),
		Submitter: submit.New(delivery,
			breaker.New(breaker.Config{MinRequests: 1000, Cooldown: time.Hour}),
			submit.Config{MaxRetries: -1, BaseRetryDelay: time.Millisecond}),
		Throttler:      throttle.New(throttle.Config{}),
		MaxMessageSize: 1 << 20,
		MaxRecipients:  100,
		IdleTimeout:    5 * time.Second,
		ParserLimits:   parser.Limits{},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testEnv{server: New(cfg), validator: validator, delivery: delivery}
}

// client drives one session over a real TCP pair.
type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (e *testEnv) startSession(t *testing.T) *client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	serverConn := <-accepted
	go NewSession(serverConn, e.server).Handle(context.Background())

	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("failed to write %q: %v", line, err)
	}
}

func (c *client) read() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *client) expect(prefix string) string {
	c.t.Helper()
	line := c.read()
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("reply = %q, want prefix %q", line, prefix)
	}
	return line
}

// readMultiline consumes an EHLO-style multiline reply and returns all
// lines.
func (c *client) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.read()
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

// startTLS performs the upgrade and swaps the client to TLS.
func (c *client) startTLS() {
	c.t.Helper()
	c.send("STARTTLS")
	c.expect("220")
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("client TLS handshake failed: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
}

func authPlain(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

// authenticate runs greeting, upgrade and AUTH PLAIN.
func (c *client) authenticate() {
	c.t.Helper()
	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.startTLS()
	c.send("EHLO client.test")
	c.readMultiline()
	c.send("AUTH PLAIN " + authPlain("user@example.com", "secret"))
	c.expect("235")
}

// sendMessage runs one MAIL/RCPT/DATA transaction and returns the
// final reply.
func (c *client) sendMessage(from string, recipients []string, body string) string {
	c.t.Helper()
	c.send("MAIL FROM:<" + from + ">")
	c.expect("250")
	for _, rcpt := range recipients {
		c.send("RCPT TO:<" + rcpt + ">")
		c.expect("250")
	}
	c.send("DATA")
	c.expect("354")
	c.send(body + "\r\n.")
	return c.read()
}

const simpleBody = "From: user@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: Test\r\n" +
	"\r\n" +
	"Hello there."

func TestSession_GreetingAndCapabilities(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("EHLO client.test")
	lines := c.readMultiline()

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "STARTTLS") {
		t.Errorf("pre-upgrade capabilities missing STARTTLS:\n%s", joined)
	}
	if strings.Contains(joined, "AUTH") {
		t.Errorf("AUTH advertised before the TLS upgrade:\n%s", joined)
	}

	c.startTLS()
	c.send("EHLO client.test")
	lines = c.readMultiline()
	joined = strings.Join(lines, "\n")
	if !strings.Contains(joined, "AUTH PLAIN LOGIN") {
		t.Errorf("post-upgrade capabilities missing AUTH:\n%s", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("STARTTLS still advertised after the upgrade:\n%s", joined)
	}
}

func TestSession_AuthBeforeTLSRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.send("AUTH PLAIN " + authPlain("user@example.com", "secret"))
	c.expect("530")

	if n := env.validator.calls.Load(); n != 0 {
		t.Errorf("validator called %d times, want 0", n)
	}

	// State unchanged: the upgrade is still available.
	c.startTLS()
}

func TestSession_DuplicateSTARTTLSRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.startTLS()
	c.send("STARTTLS")
	c.expect("454")
}

func TestSession_HappyPathSingleRecipient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)
	c.authenticate()

	reply := c.sendMessage("a@x.com", []string{"b@y.com"}, simpleBody)
	if !strings.HasPrefix(reply, "250") || !strings.Contains(reply, "dlv-b@y.com") {
		t.Fatalf("reply = %q, want 250 with delivery identifier", reply)
	}
	if n := env.delivery.sendCount(); n != 1 {
		t.Errorf("delivery calls = %d, want exactly 1", n)
	}
	if env.delivery.token != "token-test" {
		t.Errorf("delivery token = %q, want the session token", env.delivery.token)
	}
}

func TestSession_SecondAuthUsesCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	c1 := env.startSession(t)
	c1.authenticate()
	c2 := env.startSession(t)
	c2.authenticate()

	if n := env.validator.calls.Load(); n != 1 {
		t.Errorf("validator called %d times across two sessions, want 1", n)
	}
}

func TestSession_InvalidCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.validator.err = api.NewError(api.KindInvalidCredentials, 401, "rejected")

	c := env.startSession(t)
	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.startTLS()
	c.send("EHLO client.test")
	c.readMultiline()
	c.send("AUTH PLAIN " + authPlain("user@example.com", "bad"))
	c.expect("535")

	// Session stays usable for another attempt.
	env.validator.err = nil
	c.send("AUTH PLAIN " + authPlain("user@example.com", "good"))
	c.expect("235")
}

func TestSession_TransientValidatorFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.validator.err = api.NewError(api.KindServerError, 502, "down")

	c := env.startSession(t)
	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.startTLS()
	c.send("EHLO client.test")
	c.readMultiline()
	c.send("AUTH PLAIN " + authPlain("user@example.com", "secret"))
	c.expect("451")

	env.validator.err = nil
	c.send("AUTH PLAIN " + authPlain("user@example.com", "secret"))
	c.expect("235")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.startTLS()
	c.send("EHLO client.test")
	c.readMultiline()

	c.send("AUTH LOGIN")
	c.expect("334 VXNlcm5hbWU6")
	c.send(base64.StdEncoding.EncodeToString([]byte("user@example.com")))
	c.expect("334 UGFzc3dvcmQ6")
	c.send(base64.StdEncoding.EncodeToString([]byte("secret")))
	c.expect("235")
}

func TestSession_MailRequiresAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("EHLO client.test")
	c.readMultiline()
	c.send("MAIL FROM:<a@x.com>")
	c.expect("530")
}

func TestSession_SequenceErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)
	c.authenticate()

	c.send("RCPT TO:<b@y.com>")
	c.expect("503")
	c.send("DATA")
	c.expect("503")
}

func TestSession_RecipientCap(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.MaxRecipients = 2 })
	c := env.startSession(t)
	c.authenticate()

	c.send("MAIL FROM:<a@x.com>")
	c.expect("250")
	c.send("RCPT TO:<r1@y.com>")
	c.expect("250")
	c.send("RCPT TO:<r2@y.com>")
	c.expect("250")
	c.send("RCPT TO:<r3@y.com>")
	c.expect("452")
}

func TestSession_BodyOverCeilingRejectedWithoutSubmission(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.MaxMessageSize = 256 })
	c := env.startSession(t)
	c.authenticate()

	big := simpleBody + "\r\n" + strings.Repeat("x", 1024)
	reply := c.sendMessage("a@x.com", []string{"b@y.com"}, big)
	if !strings.HasPrefix(reply, "552") {
		t.Fatalf("reply = %q, want 552", reply)
	}
	if n := env.delivery.sendCount(); n != 0 {
		t.Errorf("delivery calls = %d, want 0", n)
	}

	// The transaction resets but the session stays open.
	c.send("NOOP")
	c.expect("250")
}

func TestSession_OversizedAttachmentRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.ParserLimits = parser.Limits{MaxAttachmentSize: 64}
	})
	c := env.startSession(t)
	c.authenticate()

	payload := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 256)))
	body := "From: a@x.com\r\n" +
		"Subject: Big\r\n" +
		"Content-Type: multipart/mixed; boundary=\"B\"\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Disposition: attachment; filename=\"big.bin\"\r\n" +
		"\r\n" +
		payload + "\r\n" +
		"--B--"

	reply := c.sendMessage("a@x.com", []string{"b@y.com"}, body)
	if !strings.HasPrefix(reply, "552") {
		t.Fatalf("reply = %q, want 552", reply)
	}
	if n := env.delivery.sendCount(); n != 0 {
		t.Errorf("delivery calls = %d, want 0", n)
	}
}

func TestSession_PartialSuccessKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.delivery.errs["bad@y.com"] = api.NewError(api.KindValidation, 400, "rejected")

	c := env.startSession(t)
	c.authenticate()

	reply := c.sendMessage("a@x.com", []string{"r1@y.com", "bad@y.com", "r2@y.com"}, simpleBody)
	if !strings.HasPrefix(reply, "250") || !strings.Contains(reply, "2 of 3") {
		t.Fatalf("reply = %q, want 250 reporting 2 of 3 recipients", reply)
	}

	// New transaction on the same connection.
	reply = c.sendMessage("a@x.com", []string{"r1@y.com"}, simpleBody)
	if !strings.HasPrefix(reply, "250") {
		t.Fatalf("follow-up reply = %q, want 250", reply)
	}
}

func TestSession_AllRecipientsValidationFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.delivery.errs["bad@y.com"] = api.NewError(api.KindValidation, 400, "rejected")

	c := env.startSession(t)
	c.authenticate()

	reply := c.sendMessage("a@x.com", []string{"bad@y.com"}, simpleBody)
	if !strings.HasPrefix(reply, "550") {
		t.Fatalf("reply = %q, want 550", reply)
	}
}

func TestSession_RateLimitSurfacesRetryAfter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.delivery.errs["b@y.com"] = &api.Error{
		Kind:       api.KindRateLimit,
		StatusCode: 429,
		RetryAfter: 30 * time.Second,
		Message:    "slow down",
	}

	c := env.startSession(t)
	c.authenticate()

	reply := c.sendMessage("a@x.com", []string{"b@y.com"}, simpleBody)
	if !strings.HasPrefix(reply, "451") || !strings.Contains(reply, "30") {
		t.Fatalf("reply = %q, want 451 carrying retry-after 30", reply)
	}
}

func TestSession_SubmissionRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.Throttler = throttle.New(throttle.Config{SubmissionsPerMinute: 1})
	})
	c := env.startSession(t)
	c.authenticate()

	if reply := c.sendMessage("a@x.com", []string{"b@y.com"}, simpleBody); !strings.HasPrefix(reply, "250") {
		t.Fatalf("first reply = %q, want 250", reply)
	}

	c.send("MAIL FROM:<a@x.com>")
	c.expect("250")
	c.send("RCPT TO:<b@y.com>")
	c.expect("250")
	c.send("DATA")
	c.expect("451")
}

func TestSession_DotStuffing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)
	c.authenticate()

	body := simpleBody + "\r\n..leading dot line"
	reply := c.sendMessage("a@x.com", []string{"b@y.com"}, body)
	if !strings.HasPrefix(reply, "250") {
		t.Fatalf("reply = %q, want 250", reply)
	}

	env.delivery.mu.Lock()
	sent := env.delivery.sent[0]
	env.delivery.mu.Unlock()
	if !strings.Contains(sent.TextBody, "\n.leading dot line") {
		t.Errorf("dot-stuffed line not unstuffed: %q", sent.TextBody)
	}
}

func TestSession_GeneratedMessageID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)
	c.authenticate()

	if reply := c.sendMessage("a@x.com", []string{"b@y.com"}, simpleBody); !strings.HasPrefix(reply, "250") {
		t.Fatalf("reply = %q, want 250", reply)
	}

	env.delivery.mu.Lock()
	sent := env.delivery.sent[0]
	env.delivery.mu.Unlock()
	if sent.MessageID == "" || !strings.Contains(sent.MessageID, "@gw.test") {
		t.Errorf("MessageID = %q, want generated id with hostname", sent.MessageID)
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.IdleTimeout = 150 * time.Millisecond })
	c := env.startSession(t)

	c.expect("220")
	c.expect("421")
}

func TestSession_QuitAndUnknown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := env.startSession(t)

	c.expect("220")
	c.send("BOGUS")
	c.expect("500")
	c.send("EHLO")
	c.expect("501")
	c.send("QUIT")
	c.expect("221")
}

func TestParseCommandAndAddress(t *testing.T) {
	t.Parallel()

	cmd, arg := parseCommand("mail FROM:<a@x.com>")
	if cmd != "MAIL" || arg != "FROM:<a@x.com>" {
		t.Errorf("parseCommand = %q, %q", cmd, arg)
	}

	cases := []struct{ in, want string }{
		{"<a@x.com>", "a@x.com"},
		{" <a@x.com> ", "a@x.com"},
		{"a@x.com", "a@x.com"},
		{"a@x.com SIZE=100", "a@x.com"},
		{"<broken", ""},
	}
	for _, tc := range cases {
		if got := extractAddress(tc.in); got != tc.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecodePlain(t *testing.T) {
	t.Parallel()

	user, pass, err := decodePlain(authPlain("u@example.com", "pw"))
	if err != nil || user != "u@example.com" || pass != "pw" {
		t.Errorf("decodePlain = %q, %q, %v", user, pass, err)
	}

	if _, _, err := decodePlain("!!!not-base64"); err == nil {
		t.Error("decodePlain accepted invalid base64")
	}
	if _, _, err := decodePlain(base64.StdEncoding.EncodeToString([]byte("missing-separators"))); err == nil {
		t.Error("decodePlain accepted malformed credentials")
	}
}

func TestDecodeLogin(t *testing.T) {
	t.Parallel()

	u := base64.StdEncoding.EncodeToString([]byte("u@example.com"))
	p := base64.StdEncoding.EncodeToString([]byte("pw"))
	user, pass, err := decodeLogin(u, p)
	if err != nil || user != "u@example.com" || pass != "pw" {
		t.Errorf("decodeLogin = %q, %q, %v", user, pass, err)
	}

	if _, _, err := decodeLogin("???", p); err == nil {
		t.Error("decodeLogin accepted invalid username encoding")
	}
}

func TestSession_ConcurrentSessionsIndependent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := env.startSession(t)
			c.authenticate()
			rcpt := fmt.Sprintf("r%d@y.com", i)
			if reply := c.sendMessage("a@x.com", []string{rcpt}, simpleBody); !strings.HasPrefix(reply, "250") {
				t.Errorf("session %d reply = %q", i, reply)
			}
			c.send("QUIT")
			c.expect("221")
		}(i)
	}
	wg.Wait()

	if n := env.delivery.sendCount(); n != 5 {
		t.Errorf("delivery calls = %d, want 5", n)
	}
}
