// Package ingest sequences signature verification, MIME decoding, mailbox
// resolution and storage for each inbound message, and maps the outcome to a
// transport acknowledgment.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mail-ingest-lite/internal/blob"
	"github.com/shineum/mail-ingest-lite/internal/email"
	"github.com/shineum/mail-ingest-lite/internal/notify"
	"github.com/shineum/mail-ingest-lite/internal/store"
)

// cleanupTimeout bounds blob cleanup and notification after the request
// context is gone.
const cleanupTimeout = 30 * time.Second

// blobStagingGrace is how long a staged blob may wait for its metadata before
// the sweeper treats it as an orphan. It must exceed any request deadline.
const blobStagingGrace = time.Hour

// State is a stage of the ingestion state machine.
type State int

const (
	Received State = iota
	Verifying
	Parsing
	ResolvingMailbox
	Storing
	Completed
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Verifying:
		return "verifying"
	case Parsing:
		return "parsing"
	case ResolvingMailbox:
		return "resolving_mailbox"
	case Storing:
		return "storing"
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ack is the acknowledgment returned to the inbound transport.
type Ack int

const (
	// AckAccepted means the message is stored.
	AckAccepted Ack = iota
	// AckDropped means the message was refused but the sender should not be
	// told to stop or retry.
	AckDropped
	// AckRejected means the message was refused permanently.
	AckRejected
	// AckRetry asks the transport to redeliver.
	AckRetry
)

func (a Ack) String() string {
	switch a {
	case AckAccepted:
		return "accepted"
	case AckDropped:
		return "dropped"
	case AckRejected:
		return "rejected"
	case AckRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Inbound is one delivery from a transport.
type Inbound struct {
	Raw          []byte
	Signature    string
	Recipients   []string
	ReportedSize int64
	Transport    string
}

// Result is the terminal outcome of Ingest.
type Result struct {
	State     State
	MessageID string
	MailboxID string
	Err       *Error
}

// Verifier authenticates a raw payload against its encoded signature.
type Verifier interface {
	Verify(payload []byte, encoded string) error
}

// ParseFunc decodes a raw RFC 5322 message.
type ParseFunc func(raw []byte) (*email.Email, error)

// Resolver maps envelope recipients to a mailbox.
type Resolver interface {
	Resolve(ctx context.Context, recipients []string) (*store.Mailbox, error)
}

// Trigger starts a retention sweep without waiting for it.
type Trigger interface {
	Trigger()
}

// Config wires the pipeline's collaborators.
type Config struct {
	Verifier Verifier
	Parse    ParseFunc
	Resolver Resolver
	Messages store.MessageStore
	Blobs    blob.Store

	// Sweeper and Notifier are optional.
	Sweeper  Trigger
	Notifier notify.Notifier

	// RejectPermanentFailures selects AckRejected over AckDropped for
	// authentication and parse failures.
	RejectPermanentFailures bool

	Logger *slog.Logger
}

// Pipeline is safe for concurrent use; each Ingest call is independent.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	// wg tracks in-flight notifications for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// Ingest runs one inbound message through the pipeline. It never retries;
// the returned Result tells the transport what to do.
func (p *Pipeline) Ingest(ctx context.Context, in Inbound) Result {
	size := in.ReportedSize
	if size <= 0 {
		size = int64(len(in.Raw))
	}
	recipient := ""
	if len(in.Recipients) > 0 {
		recipient = in.Recipients[0]
	}

	log := p.logger.With(
		"transport", in.Transport,
		"recipient", recipient,
		"size", size,
	)
	log.Info("message received")

	fail := func(stage State, kind Kind, err error) Result {
		e := &Error{Kind: kind, Stage: stage, Err: err}
		state := Failed
		if e.Permanent() {
			state = Rejected
		}
		log.Warn("ingestion failed",
			"stage", stage.String(),
			"kind", kind.String(),
			"state", state.String(),
			"error", err,
		)
		return Result{State: state, Err: e}
	}

	// Verifying
	if err := p.cfg.Verifier.Verify(in.Raw, in.Signature); err != nil {
		return fail(Verifying, KindAuthentication, err)
	}

	// Parsing
	msg, err := p.cfg.Parse(in.Raw)
	if err != nil {
		return fail(Parsing, KindParse, err)
	}
	log.Info("message parsed",
		"attachments", len(msg.Attachments),
		"inline", msg.InlineCount(),
	)

	// ResolvingMailbox
	mb, err := p.cfg.Resolver.Resolve(ctx, in.Recipients)
	if err != nil {
		return fail(ResolvingMailbox, KindResolution, err)
	}
	log.Info("mailbox resolved", "mailbox_id", mb.ID)

	// Storing
	rec := &store.Message{
		MailboxID:    mb.ID,
		MessageID:    msg.MessageID,
		From:         msg.From,
		To:           msg.To,
		Subject:      msg.Subject,
		TextBody:     msg.TextBody,
		HTMLBody:     msg.HtmlBody,
		RawBody:      in.Raw,
		ReceivedSize: size,
		Recipient:    recipient,
	}
	if rec.To == nil {
		rec.To = []string{}
	}

	id, kind, err := p.store(ctx, rec, msg.Attachments)
	if err != nil {
		return fail(Storing, kind, err)
	}
	log.Info("message stored",
		"message_id", id,
		"mailbox_id", mb.ID,
		"attachments", len(rec.Attachments),
	)

	if p.cfg.Sweeper != nil {
		p.cfg.Sweeper.Trigger()
	}
	p.notify(notify.StoredEvent{
		MessageID:   id,
		MailboxID:   mb.ID,
		Address:     mb.Email,
		Size:        size,
		Attachments: len(rec.Attachments),
		ReceivedAt:  rec.ReceivedAt,
	})

	return Result{State: Completed, MessageID: id, MailboxID: mb.ID}
}

// store writes attachment blobs first, then the metadata in one transaction.
// Refs are staged for deletion before any blob is written and unstaged by
// Insert, so blobs left behind by a failed or interrupted request are
// collected by a later sweep. Blobs written for a message that is not
// committed are also removed right away.
func (p *Pipeline) store(ctx context.Context, rec *store.Message, atts []email.Attachment) (string, Kind, error) {
	refs := make([]string, len(atts))
	for i := range atts {
		refs[i] = blob.NewRef()
	}
	if len(refs) > 0 {
		if err := p.cfg.Messages.StageBlobs(ctx, refs, time.Now().Add(blobStagingGrace)); err != nil {
			if !errors.Is(err, store.ErrStorage) {
				err = fmt.Errorf("%w: %w", store.ErrStorage, err)
			}
			return "", KindStorage, err
		}
	}

	written := make([]string, 0, len(atts))
	for i, att := range atts {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := p.cfg.Blobs.Put(ctx, refs[i], att.Content, contentType); err != nil {
			p.cleanup(append(written, refs[i]))
			return "", KindBlobWrite, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		written = append(written, refs[i])

		rec.Attachments = append(rec.Attachments, store.Attachment{
			Filename:  att.Filename,
			MimeType:  contentType,
			Size:      int64(len(att.Content)),
			ContentID: att.ContentID,
			IsInline:  att.Inline,
			Checksum:  blob.Checksum(att.Content),
			BlobRef:   refs[i],
		})
	}

	if err := ctx.Err(); err != nil {
		p.cleanup(written)
		return "", KindStorage, fmt.Errorf("%w: %w", store.ErrStorage, err)
	}

	id, err := p.cfg.Messages.Insert(ctx, rec)
	if err != nil {
		p.cleanup(written)
		if !errors.Is(err, store.ErrStorage) {
			err = fmt.Errorf("%w: %w", store.ErrStorage, err)
		}
		return "", KindStorage, err
	}
	return id, 0, nil
}

// cleanup deletes blobs on a detached context. Failures are left to the
// sweeper through the staged tombstones.
func (p *Pipeline) cleanup(refs []string) {
	if len(refs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, ref := range refs {
		if err := p.cfg.Blobs.Delete(ctx, ref); err != nil {
			p.logger.Warn("failed to remove orphaned blob", "blob_ref", ref, "error", err)
		}
	}
}

// notify publishes ev in the background.
func (p *Pipeline) notify(ev notify.StoredEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := p.cfg.Notifier.MessageStored(ctx, ev); err != nil {
			p.logger.Warn("failed to publish stored event",
				"notifier", p.cfg.Notifier.Name(),
				"message_id", ev.MessageID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until background notifications have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Ack maps a Result to the transport acknowledgment.
func (p *Pipeline) Ack(r Result) Ack {
	switch r.State {
	case Completed:
		return AckAccepted
	case Rejected:
		if p.cfg.RejectPermanentFailures {
			return AckRejected
		}
		return AckDropped
	default:
		return AckRetry
	}
}
