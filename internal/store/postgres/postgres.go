// Package postgres implements the store interfaces on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/mail-ingest-lite/internal/store"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL-backed store.MailboxStore and store.MessageStore.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ResolveOrCreate upserts the mailbox in a single statement, so concurrent
// callers for the same address always observe the same row.
func (s *Store) ResolveOrCreate(ctx context.Context, email string) (*store.Mailbox, error) {
	var mb store.Mailbox
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mailboxes (id, email) VALUES ($1, $2)
		 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id::text, email, created_at`,
		uuid.NewString(), email,
	).Scan(&mb.ID, &mb.Email, &mb.CreatedAt)
	if err != nil {
		return nil, storageErr("upsert mailbox", err)
	}
	return &mb, nil
}

// GetMailbox implements store.MailboxStore.
func (s *Store) GetMailbox(ctx context.Context, email string) (*store.Mailbox, error) {
	var mb store.Mailbox
	err := s.pool.QueryRow(ctx,
		"SELECT id::text, email, created_at FROM mailboxes WHERE email = $1",
		email,
	).Scan(&mb.ID, &mb.Email, &mb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get mailbox", err)
	}
	return &mb, nil
}

// Insert writes the message and its attachments in one transaction. The
// mailbox row is locked while last_received_at is advanced, which keeps
// received_at monotonic per mailbox without serializing other mailboxes.
func (s *Store) Insert(ctx context.Context, msg *store.Message) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var receivedAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE mailboxes SET last_received_at = GREATEST(clock_timestamp(), last_received_at)
		 WHERE id = $1 RETURNING last_received_at`,
		msg.MailboxID,
	).Scan(&receivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: unknown mailbox %s", store.ErrStorage, msg.MailboxID)
	}
	if err != nil {
		return "", storageErr("lock mailbox", err)
	}

	id := uuid.NewString()
	to := msg.To
	if to == nil {
		to = []string{}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, mailbox_id, message_id, from_address, to_addresses, subject,
		                       text_body, html_body, raw_body, received_size, recipient, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, msg.MailboxID, nullable(msg.MessageID), nullable(msg.From), to, nullable(msg.Subject),
		nullable(msg.TextBody), nullable(msg.HTMLBody), msg.RawBody, msg.ReceivedSize, msg.Recipient, receivedAt,
	)
	if err != nil {
		return "", storageErr("insert message", err)
	}

	if len(msg.Attachments) > 0 {
		batch := &pgx.Batch{}
		for i := range msg.Attachments {
			att := &msg.Attachments[i]
			att.ID = uuid.NewString()
			att.MessageID = id
			batch.Queue(
				`INSERT INTO attachments (id, message_id, filename, mime_type, size, content_id, is_inline, checksum, blob_ref)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				att.ID, id, nullable(att.Filename), att.MimeType, att.Size, nullable(att.ContentID),
				att.IsInline, att.Checksum, att.BlobRef,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", storageErr("insert attachments", err)
		}

		refs := make([]string, len(msg.Attachments))
		for i, att := range msg.Attachments {
			refs[i] = att.BlobRef
		}
		if _, err := tx.Exec(ctx, "DELETE FROM blob_tombstones WHERE blob_ref = ANY($1)", refs); err != nil {
			return "", storageErr("unstage blobs", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", storageErr("commit", err)
	}

	msg.ID = id
	msg.ReceivedAt = receivedAt
	return id, nil
}

const messageColumns = `id::text, mailbox_id::text, COALESCE(message_id, ''), COALESCE(from_address, ''),
	to_addresses, COALESCE(subject, ''), COALESCE(text_body, ''), COALESCE(html_body, ''),
	received_size, recipient, received_at`

// Get implements store.MessageStore.
func (s *Store) Get(ctx context.Context, id string) (*store.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	var msg store.Message
	err := s.pool.QueryRow(ctx,
		"SELECT "+messageColumns+", raw_body FROM messages WHERE id = $1", id,
	).Scan(&msg.ID, &msg.MailboxID, &msg.MessageID, &msg.From, &msg.To, &msg.Subject,
		&msg.TextBody, &msg.HTMLBody, &msg.ReceivedSize, &msg.Recipient, &msg.ReceivedAt, &msg.RawBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get message", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, message_id::text, COALESCE(filename, ''), mime_type, size,
		        COALESCE(content_id, ''), is_inline, checksum, blob_ref
		 FROM attachments WHERE message_id = $1 ORDER BY filename, id`, id)
	if err != nil {
		return nil, storageErr("list attachments", err)
	}
	defer rows.Close()

	msg.Attachments = []store.Attachment{}
	for rows.Next() {
		var att store.Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.MimeType, &att.Size,
			&att.ContentID, &att.IsInline, &att.Checksum, &att.BlobRef); err != nil {
			return nil, storageErr("scan attachment", err)
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list attachments", err)
	}

	return &msg, nil
}

// ListByMailbox implements store.MessageStore.
func (s *Store) ListByMailbox(ctx context.Context, mailboxID string, limit int) ([]store.Message, error) {
	if _, err := uuid.Parse(mailboxID); err != nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE mailbox_id = $1 ORDER BY received_at DESC, id DESC LIMIT $2",
		mailboxID, limit)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var result []store.Message
	for rows.Next() {
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.MailboxID, &msg.MessageID, &msg.From, &msg.To, &msg.Subject,
			&msg.TextBody, &msg.HTMLBody, &msg.ReceivedSize, &msg.Recipient, &msg.ReceivedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return result, nil
}

// ListExpiredBefore implements store.MessageStore.
func (s *Store) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id::text FROM messages WHERE received_at < $1 ORDER BY received_at", cutoff)
	if err != nil {
		return nil, storageErr("list expired", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storageErr("list expired", err)
	}
	return ids, nil
}

// Delete moves the message's blob refs to blob_tombstones and removes the
// message in the same transaction. Attachment rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO blob_tombstones (blob_ref)
		 SELECT blob_ref FROM attachments WHERE message_id = $1
		 ON CONFLICT (blob_ref) DO NOTHING`, id); err != nil {
		return storageErr("queue blob deletes", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM messages WHERE id = $1", id); err != nil {
		return storageErr("delete message", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// StageBlobs implements store.MessageStore.
func (s *Store) StageBlobs(ctx context.Context, refs []string, notBefore time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO blob_tombstones (blob_ref, not_before)
		 SELECT ref, $2 FROM unnest($1::text[]) AS ref
		 ON CONFLICT (blob_ref) DO NOTHING`, refs, notBefore); err != nil {
		return storageErr("stage blobs", err)
	}
	return nil
}

// PendingBlobDeletes implements store.MessageStore.
func (s *Store) PendingBlobDeletes(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT blob_ref FROM blob_tombstones WHERE not_before <= now()
		 ORDER BY queued_at, blob_ref LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr("list tombstones", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storageErr("list tombstones", err)
	}
	return refs, nil
}

// AckBlobDeletes implements store.MessageStore.
func (s *Store) AckBlobDeletes(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM blob_tombstones WHERE blob_ref = ANY($1)", refs); err != nil {
		return storageErr("ack tombstones", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrStorage, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
