// Package parser decodes raw RFC 5322 messages into the email model.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/mail-ingest-lite/internal/email"
)

// ErrParse is returned for input that cannot be read as a message at all.
var ErrParse = errors.New("unparseable message")

// Parse decodes a raw message. Headers are RFC 2047 decoded and body parts are
// converted to UTF-8. The first text/plain and text/html leaves become the
// bodies; every other leaf is returned as an attachment.
func Parse(raw []byte) (*email.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrParse)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	for _, perr := range env.Errors {
		slog.Warn("message parsed with warnings",
			"name", perr.Name,
			"detail", perr.Detail,
			"severe", perr.Severe,
		)
	}

	result := &email.Email{
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.TrimSpace(env.GetHeader("Message-Id")),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
	}
	if from := addressList(env, "From"); len(from) > 0 {
		result.From = from[0]
	}
	if result.To == nil {
		result.To = []string{}
	}

	var textFound, htmlFound bool
	walkLeaves(env.Root, func(p *enmime.Part) {
		mediaType := strings.ToLower(p.ContentType)
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			return
		}

		disposition := strings.ToLower(p.Disposition)
		isBody := p.FileName == "" && disposition != "attachment"

		switch {
		case isBody && mediaType == "text/plain":
			if !textFound {
				result.TextBody = string(p.Content)
				textFound = true
			}
			return
		case isBody && mediaType == "text/html":
			if !htmlFound {
				result.HtmlBody = string(p.Content)
				htmlFound = true
			}
			return
		}

		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    attachmentName(p, mediaType),
			ContentType: mediaType,
			ContentID:   strings.Trim(p.ContentID, "<>"),
			Inline:      withinRelated(p) || (disposition == "inline" && p.ContentID != ""),
			Content:     p.Content,
		})
	})

	return result, nil
}

// walkLeaves visits every leaf part depth-first, in document order.
func walkLeaves(p *enmime.Part, visit func(*enmime.Part)) {
	for ; p != nil; p = p.NextSibling {
		if p.FirstChild == nil {
			visit(p)
			continue
		}
		walkLeaves(p.FirstChild, visit)
	}
}

// withinRelated reports whether p is nested under a multipart/related container.
func withinRelated(p *enmime.Part) bool {
	for a := p.Parent; a != nil; a = a.Parent {
		if strings.EqualFold(a.ContentType, "multipart/related") {
			return true
		}
	}
	return false
}

// attachmentName returns the part's filename, falling back to
// "attachment.<subtype>" for unnamed parts.
func attachmentName(p *enmime.Part, mediaType string) string {
	if p.FileName != "" {
		return p.FileName
	}
	if i := strings.Index(mediaType, "/"); i >= 0 && i < len(mediaType)-1 {
		return "attachment." + mediaType[i+1:]
	}
	return "attachment"
}

// addressList returns the bare addresses of a header, falling back to a comma
// split when the header does not parse as an RFC 5322 address list.
func addressList(env *enmime.Envelope, header string) []string {
	raw := env.GetHeader(header)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addrs, err := env.AddressList(header)
	if err == nil && len(addrs) > 0 {
		return bareAddresses(addrs)
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func bareAddresses(addrs []*mail.Address) []string {
	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}
