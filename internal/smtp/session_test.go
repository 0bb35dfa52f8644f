package smtp

import (
	"bufio"
	"context"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mail-ingest-lite/internal/ingest"
)

// mockIngester records the last Inbound and returns a fixed outcome.
type mockIngester struct {
	mu     sync.Mutex
	last   *ingest.Inbound
	calls  int
	result ingest.Result
	ack    ingest.Ack
}

func (m *mockIngester) Ingest(_ context.Context, in ingest.Inbound) ingest.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = &in
	return m.result
}

func (m *mockIngester) Ack(ingest.Result) ingest.Ack {
	return m.ack
}

func (m *mockIngester) lastInbound() (*ingest.Inbound, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.calls
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expect sends cmd and checks the reply code of the final response line.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, code string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	resp := readLine(t, reader)
	for strings.HasPrefix(resp, code+"-") {
		resp = readLine(t, reader)
	}
	if !strings.HasPrefix(resp, code+" ") {
		t.Errorf("%s: got %q, want prefix %q", cmd, resp, code+" ")
	}
	return resp
}

// startSession runs a session over a socket pair and returns the client
// side with the greeting already consumed.
func startSession(t *testing.T, cfg ServerConfig) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	if cfg.Hostname == "" {
		cfg.Hostname = "mail.test.com"
	}
	sess := NewSession(server, NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") || !strings.Contains(greeting, cfg.Hostname) {
		t.Fatalf("greeting: got %q", greeting)
	}
	return client, reader
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		Ingester:       &mockIngester{},
		AuthUsername:   "relay",
		AuthPassword:   "hunter2",
		MaxMessageSize: 1024,
	})

	sendCmd(t, client, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "AUTH PLAIN LOGIN") {
		t.Error("EHLO response missing AUTH capability")
	}
	if !strings.Contains(joined, "SIZE 1024") {
		t.Errorf("EHLO response missing configured SIZE, got %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Error("STARTTLS advertised without TLS config")
	}
}

func TestSession_BasicCommands(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{Ingester: &mockIngester{}})

	expect(t, client, reader, "EHLO", "501")
	expect(t, client, reader, "NOOP", "250")
	expect(t, client, reader, "INVALID", "500")
	expect(t, client, reader, "HELO client.test.com", "250")
	expect(t, client, reader, "STARTTLS", "454")
	expect(t, client, reader, "AUTH PLAIN dGVzdA==", "503")
	expect(t, client, reader, "QUIT", "221")
}

// transaction drives EHLO, MAIL, RCPT and DATA, then returns the final reply.
func transaction(t *testing.T, client net.Conn, reader *bufio.Reader, rcpts []string, body string) string {
	t.Helper()

	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	for _, r := range rcpts {
		expect(t, client, reader, "RCPT TO:<"+r+">", "250")
	}
	expect(t, client, reader, "DATA", "354")

	if _, err := client.Write([]byte(body + "\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

func TestSession_DataHandsSignedPayloadToIngester(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{
		result: ingest.Result{State: ingest.Completed, MessageID: "msg-1"},
		ack:    ingest.AckAccepted,
	}
	client, reader := startSession(t, ServerConfig{Ingester: ing})

	body := strings.Join([]string{
		"From: sender@example.com",
		"X-Signature: c2lnbmF0dXJl",
		" cGFydDI=",
		"Subject: Test Email",
		"",
		"Hello.",
		"..leading dot",
	}, "\r\n")

	resp := transaction(t, client, reader, []string{"First@Example.com", "second@example.com"}, body)
	if !strings.HasPrefix(resp, "250 ") || !strings.Contains(resp, "msg-1") {
		t.Errorf("DATA completion: got %q, want 250 with message id", resp)
	}

	in, calls := ing.lastInbound()
	if calls != 1 || in == nil {
		t.Fatalf("ingester calls: got %d, want 1", calls)
	}
	if in.Signature != "c2lnbmF0dXJlcGFydDI=" {
		t.Errorf("Signature: got %q, want %q", in.Signature, "c2lnbmF0dXJlcGFydDI=")
	}
	wantRaw := "From: sender@example.com\r\nSubject: Test Email\r\n\r\nHello.\r\n.leading dot\r\n"
	if string(in.Raw) != wantRaw {
		t.Errorf("Raw: got %q, want %q", in.Raw, wantRaw)
	}
	if len(in.Recipients) != 2 || in.Recipients[0] != "First@Example.com" {
		t.Errorf("Recipients: got %q", in.Recipients)
	}
	if in.Transport != "smtp" {
		t.Errorf("Transport: got %q, want %q", in.Transport, "smtp")
	}
	if in.ReportedSize <= int64(len(in.Raw)) {
		t.Errorf("ReportedSize: got %d, want original size above %d", in.ReportedSize, len(in.Raw))
	}

	// The transaction is reset; RCPT needs a new MAIL.
	expect(t, client, reader, "RCPT TO:<a@example.com>", "503")
}

func TestSession_ReplyMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ack  ingest.Ack
		code string
	}{
		{ingest.AckAccepted, "250"},
		{ingest.AckDropped, "250"},
		{ingest.AckRejected, "550"},
		{ingest.AckRetry, "451"},
	}

	for _, tt := range tests {
		t.Run(tt.ack.String(), func(t *testing.T) {
			t.Parallel()

			client, reader := startSession(t, ServerConfig{Ingester: &mockIngester{ack: tt.ack}})
			resp := transaction(t, client, reader, []string{"user@example.com"}, "Subject: Hi\r\n\r\nBody")
			if !strings.HasPrefix(resp, tt.code+" ") {
				t.Errorf("reply: got %q, want prefix %q", resp, tt.code+" ")
			}
		})
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{ack: ingest.AckAccepted}
	client, reader := startSession(t, ServerConfig{Ingester: ing, MaxMessageSize: 64})

	resp := transaction(t, client, reader, []string{"user@example.com"}, "Subject: Big\r\n\r\n"+strings.Repeat("x", 200))
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("reply: got %q, want prefix %q", resp, "552 ")
	}
	if _, calls := ing.lastInbound(); calls != 0 {
		t.Errorf("ingester calls: got %d, want 0", calls)
	}

	// The session stays usable.
	expect(t, client, reader, "NOOP", "250")
	expect(t, client, reader, "MAIL FROM:<a@example.com> SIZE=65", "552")
	expect(t, client, reader, "MAIL FROM:<a@example.com> SIZE=64", "250")
}

// Not parallel: the allocation delta must not include other tests.
func TestSession_LongLineStaysWithinSizeLimit(t *testing.T) {
	ing := &mockIngester{ack: ingest.AckAccepted}
	client, reader := startSession(t, ServerConfig{Ingester: ing, MaxMessageSize: 1024})

	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	expect(t, client, reader, "RCPT TO:<user@example.com>", "250")
	expect(t, client, reader, "DATA", "354")

	const lineSize = 32 << 20
	line := []byte(strings.Repeat("x", lineSize))

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	writeErr := make(chan error, 1)
	go func() {
		if _, err := client.Write(line); err != nil {
			writeErr <- err
			return
		}
		_, err := client.Write([]byte("\r\n.\r\n"))
		writeErr <- err
	}()

	resp := readLine(t, reader)
	if err := <-writeErr; err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	runtime.ReadMemStats(&after)

	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("reply: got %q, want prefix %q", resp, "552 ")
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > lineSize/4 {
		t.Errorf("allocated %d bytes for a %d byte line with a 1024 byte limit", grown, lineSize)
	}
	if _, calls := ing.lastInbound(); calls != 0 {
		t.Errorf("ingester calls: got %d, want 0", calls)
	}
	expect(t, client, reader, "NOOP", "250")
}

func TestSession_DataTerminatorAfterLongLine(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{ack: ingest.AckAccepted}
	client, reader := startSession(t, ServerConfig{Ingester: ing})

	// Longer than the session reader's buffer; the dot inside it is not at
	// the start of a line and must be kept.
	long := strings.Repeat("y", 4095) + ".tail"
	resp := transaction(t, client, reader, []string{"user@example.com"}, "Subject: Long\r\n\r\n"+long+"\r\n..dot")
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("reply: got %q, want prefix %q", resp, "250 ")
	}

	in, _ := ing.lastInbound()
	want := "Subject: Long\r\n\r\n" + long + "\r\n.dot\r\n"
	if string(in.Raw) != want {
		t.Errorf("Raw: got %d bytes, want %d bytes matching the sent lines", len(in.Raw), len(want))
	}
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{Ingester: &mockIngester{}})

	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "503")
	expect(t, client, reader, "RSET", "250")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
	expect(t, client, reader, "MAIL FROM:<>", "250")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		Ingester:     &mockIngester{},
		AuthUsername: "relay",
		AuthPassword: "hunter2",
	})

	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "503")
	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "530")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
	expect(t, client, reader, "DATA", "503")
	expect(t, client, reader, "AUTH CRAM-MD5", "504")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00relay\x00wrong"), "535")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00relay\x00hunter2"), "235")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00relay\x00hunter2"), "503")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{
		Ingester:     &mockIngester{},
		AuthUsername: "relay",
		AuthPassword: "hunter2",
	})

	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "AUTH LOGIN", "334")
	expect(t, client, reader, b64("relay"), "334")
	expect(t, client, reader, b64("hunter2"), "235")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		cmd, arg := parseCommand(tt.input)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)", tt.input, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input      string
		wantAddr   string
		wantParams string
	}{
		{"<user@example.com>", "user@example.com", ""},
		{"  <user@example.com>  ", "user@example.com", ""},
		{"<user@example.com> SIZE=100 BODY=8BITMIME", "user@example.com", "SIZE=100 BODY=8BITMIME"},
		{"user@example.com", "user@example.com", ""},
		{"<>", "", ""},
		{"<broken", "", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		addr, params := splitPath(tt.input)
		if addr != tt.wantAddr || params != tt.wantParams {
			t.Errorf("splitPath(%q): got (%q, %q), want (%q, %q)", tt.input, addr, params, tt.wantAddr, tt.wantParams)
		}
	}
}

func TestSizeParam(t *testing.T) {
	t.Parallel()

	if n, ok := sizeParam("BODY=8BITMIME size=2048"); !ok || n != 2048 {
		t.Errorf("got (%d, %v), want (2048, true)", n, ok)
	}
	if _, ok := sizeParam("BODY=8BITMIME"); ok {
		t.Error("SIZE found where none given")
	}
	if _, ok := sizeParam("SIZE=big"); ok {
		t.Error("non-numeric SIZE accepted")
	}
}

func TestExtractSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantSig string
		wantRaw string
	}{
		{
			name:    "first field",
			raw:     "X-Signature: abc=\r\nSubject: Hi\r\n\r\nBody",
			wantSig: "abc=",
			wantRaw: "Subject: Hi\r\n\r\nBody",
		},
		{
			name:    "case insensitive, LF endings",
			raw:     "Subject: Hi\nx-signature:abc\n\nBody",
			wantSig: "abc",
			wantRaw: "Subject: Hi\n\nBody",
		},
		{
			name:    "folded",
			raw:     "Subject: Hi\r\nX-Signature: ab\r\n\tcd\r\nTo: a@x.com\r\n\r\nBody",
			wantSig: "abcd",
			wantRaw: "Subject: Hi\r\nTo: a@x.com\r\n\r\nBody",
		},
		{
			name:    "only in body",
			raw:     "Subject: Hi\r\n\r\nX-Signature: abc\r\n",
			wantSig: "",
			wantRaw: "Subject: Hi\r\n\r\nX-Signature: abc\r\n",
		},
		{
			name:    "similar name",
			raw:     "X-Signature-Alg: hmac\r\n\r\nBody",
			wantSig: "",
			wantRaw: "X-Signature-Alg: hmac\r\n\r\nBody",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, raw := extractSignature([]byte(tt.raw), "X-Signature")
			if sig != tt.wantSig {
				t.Errorf("signature: got %q, want %q", sig, tt.wantSig)
			}
			if string(raw) != tt.wantRaw {
				t.Errorf("raw: got %q, want %q", raw, tt.wantRaw)
			}
		})
	}
}
