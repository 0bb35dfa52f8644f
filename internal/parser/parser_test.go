package parser

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBareMessage(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: Hi\n\nBody text"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hi")
	}
	if msg.TextBody != "Body text" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Body text")
	}
	if msg.HtmlBody != "" {
		t.Errorf("HtmlBody: got %q, want empty", msg.HtmlBody)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
	if msg.To == nil || len(msg.To) != 0 {
		t.Errorf("To: got %v, want empty non-nil slice", msg.To)
	}
}

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: Sender Name <sender@example.com>",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if len(msg.To) != 1 || msg.To[0] != "recipient@example.com" {
		t.Errorf("To: got %v, want [recipient@example.com]", msg.To)
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "<test123@example.com>")
	}
	if msg.TextBody != "Hello, this is a plain text email." {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Hello, this is a plain text email.")
	}
}

func TestParseEncodedSubject(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Subject != "Hello World" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hello World")
	}
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.To) != 2 {
		t.Fatalf("To: got %d recipients, want 2", len(msg.To))
	}
	if msg.To[0] != "alice@example.com" || msg.To[1] != "bob@example.com" {
		t.Errorf("To: got %v, want [alice@example.com bob@example.com]", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "carol@example.com" {
		t.Errorf("Cc: got %v, want [carol@example.com]", msg.Cc)
	}
	if msg.TextBody != "Plain text body" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Plain text body")
	}
	if msg.HtmlBody != "<html><body><p>HTML body</p></body></html>" {
		t.Errorf("HtmlBody: got %q, want %q", msg.HtmlBody, "<html><body><p>HTML body</p></body></html>")
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
}

func TestParseFirstBodyOfEachKindWins(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: text/plain",
		"",
		"first",
		"--b",
		"Content-Type: text/plain",
		"",
		"second",
		"--b--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "first" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "first")
	}
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary",
		"Content-Type: text/plain; name=\"notes.txt\"",
		"Content-Disposition: attachment; filename=\"notes.txt\"",
		"",
		"a text attachment",
		"--mixedboundary--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.TextBody != "Email body text" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Email body text")
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(msg.Attachments))
	}

	pdf := msg.Attachments[0]
	if pdf.Filename != "report.pdf" {
		t.Errorf("Filename: got %q, want %q", pdf.Filename, "report.pdf")
	}
	if pdf.ContentType != "application/pdf" {
		t.Errorf("ContentType: got %q, want %q", pdf.ContentType, "application/pdf")
	}
	if string(pdf.Content) != "Hello World" {
		t.Errorf("Content: got %q, want %q", string(pdf.Content), "Hello World")
	}
	if pdf.Inline {
		t.Error("Inline: got true, want false for a plain attachment")
	}

	if msg.Attachments[1].Filename != "notes.txt" {
		t.Errorf("Filename: got %q, want %q", msg.Attachments[1].Filename, "notes.txt")
	}
}

func TestParseInlineRelatedImage(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Inline",
		"Content-Type: multipart/related; boundary=rel",
		"",
		"--rel",
		"Content-Type: text/html",
		"",
		"<p><img src=\"cid:img1\"></p>",
		"--rel",
		"Content-Type: image/png",
		"Content-ID: <img1>",
		"Content-Disposition: inline; filename=\"logo.png\"",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--rel--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.HtmlBody != "<p><img src=\"cid:img1\"></p>" {
		t.Errorf("HtmlBody: got %q", msg.HtmlBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if !att.Inline {
		t.Error("Inline: got false, want true")
	}
	if att.ContentID != "img1" {
		t.Errorf("ContentID: got %q, want %q", att.ContentID, "img1")
	}
	if att.Filename != "logo.png" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "logo.png")
	}
	if att.ContentType != "image/png" {
		t.Errorf("ContentType: got %q, want %q", att.ContentType, "image/png")
	}
	if msg.InlineCount() != 1 {
		t.Errorf("InlineCount: got %d, want 1", msg.InlineCount())
	}
}

func TestParseNoBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Only a file",
		"Content-Type: multipart/mixed; boundary=bound",
		"",
		"--bound",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--bound--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.HasBody() {
		t.Errorf("HasBody: got true, text=%q html=%q", msg.TextBody, msg.HtmlBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "attachment.pdf" {
		t.Errorf("Filename: got %q, want %q", msg.Attachments[0].Filename, "attachment.pdf")
	}
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.TextBody != "Plain text part" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Plain text part")
	}
	if msg.HtmlBody != "<p>HTML part</p>" {
		t.Errorf("HtmlBody: got %q, want %q", msg.HtmlBody, "<p>HTML part</p>")
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "data.bin" {
		t.Fatalf("Attachments: got %+v, want one data.bin", msg.Attachments)
	}
}

func TestParseEmptyPayload(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "\r\n\r\n"} {
		_, err := Parse([]byte(raw))
		if !errors.Is(err, ErrParse) {
			t.Errorf("Parse(%q): got %v, want ErrParse", raw, err)
		}
	}
}

func TestParseMalformedStructure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "multipart without boundary", raw: "Content-Type: multipart/mixed\n\n--x\n"},
		{name: "header line without colon", raw: "Subject Hi\nbad header\n\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Parse([]byte(tt.raw))
			if !errors.Is(err, ErrParse) {
				t.Errorf("Parse(%q): got %v, want ErrParse", tt.raw, err)
			}
			if msg != nil {
				t.Errorf("Parse(%q): got message %+v, want nil", tt.raw, msg)
			}
		})
	}
}

func TestParseEmptyAddressFields(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: No To",
		"Content-Type: text/plain",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msg.To) != 0 {
		t.Errorf("To: got %v, want empty", msg.To)
	}
	if msg.Cc != nil {
		t.Errorf("Cc: got %v, want nil", msg.Cc)
	}
}
