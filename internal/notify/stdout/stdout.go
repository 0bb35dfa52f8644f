// Package stdout implements a Notifier that prints stored-message events in a
// human-readable format.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mail-ingest-lite/internal/notify"
)

// Notifier writes one summary block per stored message.
type Notifier struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Notifier that writes to os.Stdout.
func New() *Notifier {
	return &Notifier{writer: os.Stdout}
}

// NewWithWriter creates a Notifier that writes to w.
func NewWithWriter(w io.Writer) *Notifier {
	return &Notifier{writer: w}
}

// MessageStored prints the event summary.
func (n *Notifier) MessageStored(_ context.Context, ev notify.StoredEvent) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Stored: %s\n", ev.MessageID)
	fmt.Fprintf(&b, "Mailbox: %s (%s)\n", ev.Address, ev.MailboxID)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(ev.Size))
	if ev.Attachments > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", ev.Attachments)
	}
	fmt.Fprintf(&b, "Received: %s\n", ev.ReceivedAt.UTC().Format(time.RFC3339))
	b.WriteString("========================================\n")

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := io.WriteString(n.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
