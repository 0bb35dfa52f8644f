// Package store defines the durable records of the ingestion pipeline and the
// interfaces its metadata backends implement.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a mailbox or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage marks failures of the underlying persistence layer.
	ErrStorage = errors.New("storage failure")
)

// Mailbox is one normalized recipient address.
type Mailbox struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one ingested email. Empty strings are absent values.
type Message struct {
	ID           string       `json:"id"`
	MailboxID    string       `json:"mailbox_id"`
	MessageID    string       `json:"message_id,omitempty"`
	From         string       `json:"from,omitempty"`
	To           []string     `json:"to"`
	Subject      string       `json:"subject,omitempty"`
	TextBody     string       `json:"text_body,omitempty"`
	HTMLBody     string       `json:"html_body,omitempty"`
	RawBody      []byte       `json:"-"`
	ReceivedSize int64        `json:"received_size"`
	Recipient    string       `json:"recipient"`
	ReceivedAt   time.Time    `json:"received_at"`
	Attachments  []Attachment `json:"attachments"`
}

// Attachment is the metadata of one stored attachment payload.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	ContentID string `json:"content_id,omitempty"`
	IsInline  bool   `json:"is_inline"`
	Checksum  string `json:"checksum"`
	BlobRef   string `json:"-"`
}

// MailboxStore resolves recipient addresses to mailboxes.
type MailboxStore interface {
	// ResolveOrCreate returns the mailbox for email, creating it atomically
	// if it does not exist. email must already be normalized.
	ResolveOrCreate(ctx context.Context, email string) (*Mailbox, error)

	// GetMailbox returns ErrNotFound for an unknown address.
	GetMailbox(ctx context.Context, email string) (*Mailbox, error)
}

// MessageStore persists messages and their attachment metadata.
type MessageStore interface {
	// Insert stores msg and its attachments in one transaction and returns
	// the new message id. ID and ReceivedAt are assigned by the store and
	// written back to msg. Staged deletions for the attachment blob refs are
	// cancelled in the same transaction.
	Insert(ctx context.Context, msg *Message) (string, error)

	Get(ctx context.Context, id string) (*Message, error)

	// ListByMailbox returns the newest messages first, without raw bodies.
	ListByMailbox(ctx context.Context, mailboxID string, limit int) ([]Message, error)

	// ListExpiredBefore returns the ids of messages received strictly before cutoff.
	ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// Delete removes a message and its attachment metadata, queueing the
	// attachment blob refs for deletion in the same transaction. Deleting an
	// absent message is a no-op.
	Delete(ctx context.Context, id string) error

	// StageBlobs queues refs for deletion no earlier than notBefore. It is
	// called before the blobs are written, so a blob whose message is never
	// inserted is still collected by the sweeper.
	StageBlobs(ctx context.Context, refs []string, notBefore time.Time) error

	// PendingBlobDeletes returns up to limit queued blob refs that are due.
	PendingBlobDeletes(ctx context.Context, limit int) ([]string, error)

	// AckBlobDeletes removes refs from the deletion queue.
	AckBlobDeletes(ctx context.Context, refs []string) error
}
