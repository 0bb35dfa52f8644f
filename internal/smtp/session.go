package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mail-ingest-lite/internal/ingest"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	auth   *Authenticator
	cfg    ServerConfig

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, cfg ServerConfig) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		auth:   auth,
		cfg:    cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mail-ingest-lite", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.touch(); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// touch extends the connection deadline by idleTimeout.
func (s *Session) touch() error {
	return s.conn.SetDeadline(time.Now().Add(idleTimeout))
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
		s.handleRSET()
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

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, ok := s.readAuthLine("AUTH PLAIN response")
		if !ok {
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6") // "Username:"
	user, ok := s.readAuthLine("AUTH LOGIN username")
	if !ok {
		return
	}
	if user == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6") // "Password:"
	pass, ok := s.readAuthLine("AUTH LOGIN password")
	if !ok {
		return
	}
	if pass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(user, pass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) readAuthLine(what string) (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read "+what, "error", err)
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(arg[5:])
	if addr == "" && !strings.HasPrefix(strings.TrimSpace(arg[5:]), "<>") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := sizeParam(params); ok && size > s.cfg.MaxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitPath(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, hands it to the Ingester and replies with
// the mapped acknowledgment.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return
	}
	defer s.resetTransaction()

	if tooLarge {
		slog.Warn("message exceeds size limit",
			"sender", s.mailFrom,
			"recipient", s.rcptTo[0],
			"max_message_size", s.cfg.MaxMessageSize,
		)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	sig, payload := extractSignature(raw, s.cfg.SignatureHeader)

	res := s.cfg.Ingester.Ingest(ctx, ingest.Inbound{
		Raw:          payload,
		Signature:    sig,
		Recipients:   s.rcptTo,
		ReportedSize: int64(len(raw)),
		Transport:    "smtp",
	})

	switch s.cfg.Ingester.Ack(res) {
	case ingest.AckAccepted:
		s.writeLine("250 OK message stored as %s", res.MessageID)
	case ingest.AckDropped:
		s.writeLine("250 OK")
	case ingest.AckRejected:
		s.writeLine("550 Message rejected")
	default:
		s.writeLine("451 Temporary failure, please try again later")
	}
}

// readData reads the DATA section up to the terminating "." line and undoes
// dot-stuffing. Lines are consumed in reader-sized fragments, so memory stays
// bounded by the size limit however long a line is. Once the payload exceeds
// the limit the rest is read and discarded, and tooLarge is set.
func (s *Session) readData() (data []byte, tooLarge bool, err error) {
	var buf bytes.Buffer
	lineStart := true

	for {
		if err := s.touch(); err != nil {
			return nil, false, err
		}

		frag, err := s.reader.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			return nil, false, err
		}
		complete := err == nil

		if lineStart {
			if complete && isDataTerminator(frag) {
				break
			}
			if len(frag) > 0 && frag[0] == '.' {
				frag = frag[1:]
			}
		}
		lineStart = complete

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(frag)) > s.cfg.MaxMessageSize {
			tooLarge = true
			buf = bytes.Buffer{}
			continue
		}
		buf.Write(frag)
	}

	return buf.Bytes(), tooLarge, nil
}

// isDataTerminator reports whether line is the lone "." ending DATA.
func isDataTerminator(line []byte) bool {
	return string(bytes.TrimRight(line, "\r\n")) == "."
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitPath separates the address of a MAIL or RCPT argument from the ESMTP
// parameters that follow it.
func splitPath(s string) (addr, params string) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return strings.TrimSpace(s[1:end]), strings.TrimSpace(s[end+1:])
	}

	addr, params, _ = strings.Cut(s, " ")
	return addr, strings.TrimSpace(params)
}

// sizeParam returns the value of a SIZE= ESMTP parameter.
func sizeParam(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// extractSignature removes the first header field named field from the
// header section of raw and returns its unfolded value with the remaining
// bytes. raw is returned unchanged when the field is absent.
func extractSignature(raw []byte, field string) (string, []byte) {
	prefix := field + ":"
	pos := 0

	for pos < len(raw) {
		end := lineEnd(raw, pos)
		line := bytes.TrimRight(raw[pos:end], "\r\n")
		if len(line) == 0 {
			break // end of header section
		}

		if len(line) >= len(prefix) && strings.EqualFold(string(line[:len(prefix)]), prefix) {
			value := strings.TrimSpace(string(line[len(prefix):]))

			stop := end
			for stop < len(raw) && (raw[stop] == ' ' || raw[stop] == '\t') {
				next := lineEnd(raw, stop)
				value += strings.TrimSpace(string(raw[stop:next]))
				stop = next
			}

			out := make([]byte, 0, len(raw)-(stop-pos))
			out = append(out, raw[:pos]...)
			out = append(out, raw[stop:]...)
			return value, out
		}

		pos = end
	}

	return "", raw
}

// lineEnd returns the offset just past the line starting at pos.
func lineEnd(b []byte, pos int) int {
	if i := bytes.IndexByte(b[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(b)
}
