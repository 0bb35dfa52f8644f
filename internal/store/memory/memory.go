// Package memory is an in-process implementation of the store interfaces,
// used for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-ingest-lite/internal/store"
)

// Store keeps mailboxes, messages and the blob deletion queue in maps
// guarded by a single mutex.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	mailboxes  map[string]*store.Mailbox // by email
	lastRecv   map[string]time.Time      // by mailbox id
	messages   map[string]*store.Message
	tombstones map[string]time.Time // blob ref to not-before
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:        time.Now,
		mailboxes:  make(map[string]*store.Mailbox),
		lastRecv:   make(map[string]time.Time),
		messages:   make(map[string]*store.Message),
		tombstones: make(map[string]time.Time),
	}
}

// SetClock replaces the time source used for ReceivedAt and for deciding
// which blob deletions are due.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ResolveOrCreate implements store.MailboxStore.
func (s *Store) ResolveOrCreate(ctx context.Context, email string) (*store.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mb, ok := s.mailboxes[email]; ok {
		cp := *mb
		return &cp, nil
	}

	mb := &store.Mailbox{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	s.mailboxes[email] = mb
	cp := *mb
	return &cp, nil
}

// GetMailbox implements store.MailboxStore.
func (s *Store) GetMailbox(_ context.Context, email string) (*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

// MailboxCount returns the number of mailboxes.
func (s *Store) MailboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailboxes)
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Insert implements store.MessageStore.
func (s *Store) Insert(ctx context.Context, msg *store.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	for _, mb := range s.mailboxes {
		if mb.ID == msg.MailboxID {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("%w: unknown mailbox %s", store.ErrStorage, msg.MailboxID)
	}

	received := s.now().UTC()
	if last := s.lastRecv[msg.MailboxID]; received.Before(last) {
		received = last
	}
	s.lastRecv[msg.MailboxID] = received

	msg.ID = uuid.NewString()
	msg.ReceivedAt = received
	for i := range msg.Attachments {
		msg.Attachments[i].ID = uuid.NewString()
		msg.Attachments[i].MessageID = msg.ID
		delete(s.tombstones, msg.Attachments[i].BlobRef)
	}

	s.messages[msg.ID] = cloneMessage(msg)
	return msg.ID, nil
}

// Get implements store.MessageStore.
func (s *Store) Get(_ context.Context, id string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(msg), nil
}

// ListByMailbox implements store.MessageStore.
func (s *Store) ListByMailbox(_ context.Context, mailboxID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []store.Message
	for _, msg := range s.messages {
		if msg.MailboxID != mailboxID {
			continue
		}
		cp := cloneMessage(msg)
		cp.RawBody = nil
		result = append(result, *cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return strings.Compare(result[i].ID, result[j].ID) > 0
		}
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListExpiredBefore implements store.MessageStore.
func (s *Store) ListExpiredBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, msg := range s.messages {
		if msg.ReceivedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements store.MessageStore.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil
	}
	for _, att := range msg.Attachments {
		s.tombstones[att.BlobRef] = time.Time{}
	}
	delete(s.messages, id)
	return nil
}

// StageBlobs implements store.MessageStore.
func (s *Store) StageBlobs(ctx context.Context, refs []string, notBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		if _, ok := s.tombstones[ref]; !ok {
			s.tombstones[ref] = notBefore
		}
	}
	return nil
}

// PendingBlobDeletes implements store.MessageStore.
func (s *Store) PendingBlobDeletes(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	refs := make([]string, 0, len(s.tombstones))
	for ref, notBefore := range s.tombstones {
		if notBefore.After(now) {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// AckBlobDeletes implements store.MessageStore.
func (s *Store) AckBlobDeletes(_ context.Context, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		delete(s.tombstones, ref)
	}
	return nil
}

func cloneMessage(msg *store.Message) *store.Message {
	cp := *msg
	cp.To = append([]string{}, msg.To...)
	cp.RawBody = append([]byte(nil), msg.RawBody...)
	cp.Attachments = append([]store.Attachment(nil), msg.Attachments...)
	return &cp
}
