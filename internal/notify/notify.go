// Package notify announces stored messages to downstream consumers.
package notify

import (
	"context"
	"time"
)

// StoredEvent describes a message that was committed to the store. It never
// carries message content.
type StoredEvent struct {
	MessageID   string    `json:"message_id"`
	MailboxID   string    `json:"mailbox_id"`
	Address     string    `json:"address"`
	Size        int64     `json:"size"`
	Attachments int       `json:"attachments"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Notifier is implemented by event backends.
type Notifier interface {
	// MessageStored publishes ev. Errors are reported to the caller, which
	// only logs them.
	MessageStored(ctx context.Context, ev StoredEvent) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Nop discards every event.
type Nop struct{}

func (Nop) MessageStored(context.Context, StoredEvent) error { return nil }

func (Nop) Name() string { return "none" }
