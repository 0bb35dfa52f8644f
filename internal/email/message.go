// Package email defines the parsed message model handed from the MIME decoder
// to the ingestion pipeline.
package email

// Email is a decoded inbound message. Empty string fields mean the header or
// body was absent from the original.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment is a non-body MIME leaf. Inline is set for parts that belong to
// the HTML body, such as images referenced through a cid: URL.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Content     []byte
}

// HasBody reports whether a text or HTML body was found.
func (e *Email) HasBody() bool {
	return e.TextBody != "" || e.HtmlBody != ""
}

// InlineCount returns the number of attachments marked inline.
func (e *Email) InlineCount() int {
	n := 0
	for _, a := range e.Attachments {
		if a.Inline {
			n++
		}
	}
	return n
}
