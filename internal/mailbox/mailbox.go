// Package mailbox maps envelope recipients to durable mailboxes.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shineum/mail-ingest-lite/internal/store"
)

var (
	// ErrNoRecipient is returned when the envelope carries no recipient.
	ErrNoRecipient = errors.New("no recipient")

	// ErrInvalidAddress is returned when the recipient is not an email address.
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Resolver resolves the authoritative envelope recipient to a mailbox.
type Resolver struct {
	store    store.MailboxStore
	validate *validator.Validate
}

// NewResolver creates a Resolver over s.
func NewResolver(s store.MailboxStore) *Resolver {
	return &Resolver{
		store:    s,
		validate: validator.New(),
	}
}

// Normalize reduces a raw recipient to the mailbox key: display names and
// angle brackets are removed, then the address is trimmed and lowercased.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	} else if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve returns the mailbox for the first of recipients, creating it if it
// does not exist. Only envelope recipients should be passed here, never
// addresses taken from message headers.
func (r *Resolver) Resolve(ctx context.Context, recipients []string) (*store.Mailbox, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipient
	}

	addr := Normalize(recipients[0])
	if addr == "" {
		return nil, ErrNoRecipient
	}
	if err := r.validate.Var(addr, "required,email"); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	mb, err := r.store.ResolveOrCreate(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mailbox: %w", err)
	}
	return mb, nil
}
