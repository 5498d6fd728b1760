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
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailpipe/internal/address"
	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/parser"
	"github.com/shineum/mailpipe/internal/pipeline"
	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
	"github.com/shineum/mailpipe/internal/ratelimit"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     int
	auth      *Authenticator
	submitter Submitter
	hostname  string

	maxMessageSize int64
	maxRecipients  int
	idleTimeout    time.Duration

	tlsConfig     *tls.Config
	tlsActive     bool
	authenticated bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, cfg ServerConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		state:          stateConnected,
		auth:           auth,
		submitter:      cfg.Submitter,
		hostname:       cfg.Hostname,
		maxMessageSize: cfg.MaxMessageSize,
		maxRecipients:  cfg.MaxRecipients,
		idleTimeout:    cfg.IdleTimeout,
		tlsConfig:      cfg.TLSConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailpipe", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 2.0.0 OK")
	case "NOOP":
		s.writeLine("250 2.0.0 OK")
	case "VRFY":
		s.writeLine("252 2.5.2 Cannot VRFY user")
	case "QUIT":
		s.writeLine("221 2.0.0 Bye")
		return true
	default:
		s.writeLine("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() && !s.authenticated {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxMessageSize)
	s.writeLine("250-8BITMIME")
	s.writeLine("250 ENHANCEDSTATUSCODES")
}

// handleSTARTTLS upgrades the connection to TLS. The client must greet
// again afterwards.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 4.7.0 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("503 5.5.1 TLS already active")
		return
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.authenticated = false
	s.resetTransaction()
	s.state = stateConnected
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 5.5.1 AUTH not available")
		return
	}
	if s.authenticated {
		s.writeLine("503 5.5.1 Already authenticated")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 5.5.1 AUTH not permitted during a mail transaction")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(strings.TrimSpace(initial))
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 5.0.0 Authentication cancelled")
	case err != nil:
		slog.Info("authentication failed", "remote", s.conn.RemoteAddr().String(), "mechanism", mechanism)
		s.writeLine("535 5.7.8 Authentication failed")
	default:
		s.authenticated = true
		s.writeLine("235 2.7.0 Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// authPlain runs AUTH PLAIN with an inline or challenged response.
func (s *Session) authPlain(encoded string) error {
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.auth.VerifyPlain(encoded)
}

// authLogin runs the AUTH LOGIN username/password challenges.
func (s *Session) authLogin() error {
	// "Username:" and "Password:" in base64
	user, err := s.challenge("VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

// handleMAIL processes MAIL FROM:<path> [SIZE=n].
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && !s.authenticated {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 5.5.1 Sender already specified")
		return
	}

	if !hasPrefixFold(arg, "FROM:") {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	addr, params, ok := splitPath(arg[len("FROM:"):])
	if !ok {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if addr != "" && !address.IsValid(addr) {
		s.writeLine("553 5.1.7 Invalid sender address")
		return
	}
	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			s.writeLine("501 5.5.4 Invalid SIZE parameter")
			return
		}
		if n > s.maxMessageSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed limit")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

// handleRCPT processes RCPT TO:<path>.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return
	}
	if !hasPrefixFold(arg, "TO:") {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	addr, _, ok := splitPath(arg[len("TO:"):])
	if !ok || addr == "" {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= s.maxRecipients {
		s.writeLine("452 4.5.3 Too many recipients")
		return
	}
	if err := s.submitter.CheckRecipient(addr, s.authenticated); err != nil {
		s.writeLine("%s", replyFor(err))
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

// handleDATA reads the dot-terminated message and submits it. Oversized
// messages are read to the end and then rejected.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data bytes.Buffer
	tooLarge := false
	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Warn("error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		// Dot-stuffing: a leading dot was doubled by the client
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(data.Len()+len(line)) > s.maxMessageSize {
			tooLarge = true
			data.Reset()
			continue
		}
		data.WriteString(line)
	}

	defer s.resetTransaction()
	if tooLarge {
		s.writeLine("552 5.3.4 Message size exceeds fixed limit")
		return
	}

	env := email.Envelope{From: s.mailFrom, To: append([]string(nil), s.rcptTo...)}
	id, err := s.submitter.Submit(ctx, data.Bytes(), env, pipeline.SubmitOptions{
		Authenticated: s.authenticated,
	})
	if err != nil {
		s.writeLine("%s", replyFor(err))
		return
	}

	s.writeLine("250 2.0.0 OK queued as %s", id)
}

// resetTransaction clears the current mail transaction without affecting
// the greeting or authentication.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// readLine reads one command line under the idle deadline.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		return "", fmt.Errorf("failed to set connection deadline: %w", err)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// replyFor maps a submission error onto an SMTP reply.
func replyFor(err error) string {
	var (
		invalid   *address.InvalidAddressError
		relay     *pipeline.RelayDeniedError
		tooLarge  *pipeline.MessageTooLargeError
		malformed *parser.MalformedMimeError
		overQuota *quota.ExceededError
		limited   *ratelimit.ExceededError
		full      *queue.FullError
	)
	switch {
	case errors.As(err, &invalid):
		return "553 5.1.3 Invalid address: " + invalid.Reason
	case errors.As(err, &relay):
		return "550 5.7.1 Relay access denied"
	case errors.As(err, &tooLarge):
		return "552 5.3.4 Message size exceeds fixed limit"
	case errors.As(err, &malformed):
		return "550 5.6.0 Malformed message: " + malformed.Reason
	case errors.As(err, &overQuota):
		return "552 5.2.2 Quota exceeded"
	case errors.As(err, &limited):
		return fmt.Sprintf("452 4.7.1 Rate limit exceeded, try again after %s",
			limited.ResetAt().UTC().Format(time.RFC3339))
	case errors.As(err, &full):
		return "452 4.3.1 Insufficient system storage"
	case pipeline.IsPermanent(err):
		return "550 5.0.0 Message rejected"
	default:
		slog.Error("submission failed", "error", err)
		return "451 4.3.0 Temporary failure, please try again later"
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// splitPath extracts the address from a MAIL/RCPT path and parses trailing
// ESMTP parameters. Both "<addr>" and bare "addr" are accepted; "<>" yields
// an empty address.
func splitPath(s string) (addr string, params map[string]string, ok bool) {
	s = strings.TrimSpace(s)

	var rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	params = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, true
}
