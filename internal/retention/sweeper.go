// Package retention removes messages older than the retention window together
// with their attachment blobs.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/mail-ingest-lite/internal/blob"
	"github.com/shineum/mail-ingest-lite/internal/store"
)

// blobBatchSize is the number of queued blob deletions processed per round.
const blobBatchSize = 100

// Result summarizes one sweep.
type Result struct {
	Messages int
	Blobs    int
	Errors   int
}

// Config holds the sweeper settings.
type Config struct {
	// Window is the retention window. Messages received before now-Window expire.
	Window time.Duration

	// Timeout bounds a sweep started by Trigger.
	Timeout time.Duration
}

// Sweeper deletes expired messages. It is safe for concurrent use, and
// multiple processes may sweep the same store.
type Sweeper struct {
	messages store.MessageStore
	blobs    blob.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Sweeper.
func New(messages store.MessageStore, blobs blob.Store, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Sweeper{
		messages: messages,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep deletes every message received strictly before now minus the window,
// then drains the blob deletion queue. Failures on individual items are
// logged and left for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.cfg.Window)

	ids, err := s.messages.ListExpiredBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list expired messages", "cutoff", cutoff, "error", err)
		return res, err
	}

	for _, id := range ids {
		if err := s.messages.Delete(ctx, id); err != nil {
			res.Errors++
			s.logger.Warn("failed to delete expired message", "message_id", id, "error", err)
			continue
		}
		res.Messages++
	}

	blobs, err := s.drainBlobs(ctx, &res)
	res.Blobs = blobs
	if err != nil {
		return res, err
	}

	if res.Messages > 0 || res.Blobs > 0 || res.Errors > 0 {
		s.logger.Info("retention sweep finished",
			"cutoff", cutoff,
			"messages_deleted", res.Messages,
			"blobs_deleted", res.Blobs,
			"errors", res.Errors,
		)
	}
	return res, nil
}

// drainBlobs deletes queued blobs and acknowledges the ones that are gone.
func (s *Sweeper) drainBlobs(ctx context.Context, res *Result) (int, error) {
	deleted := 0
	for {
		refs, err := s.messages.PendingBlobDeletes(ctx, blobBatchSize)
		if err != nil {
			s.logger.Error("failed to list pending blob deletions", "error", err)
			return deleted, err
		}
		if len(refs) == 0 {
			return deleted, nil
		}

		done := make([]string, 0, len(refs))
		for _, ref := range refs {
			if err := s.blobs.Delete(ctx, ref); err != nil {
				res.Errors++
				s.logger.Warn("failed to delete blob", "blob_ref", ref, "error", err)
				continue
			}
			done = append(done, ref)
		}

		if len(done) > 0 {
			if err := s.messages.AckBlobDeletes(ctx, done); err != nil {
				s.logger.Error("failed to acknowledge blob deletions", "error", err)
				return deleted, err
			}
			deleted += len(done)
		}

		// Refs that failed stay queued for the next sweep.
		if len(done) < len(refs) || len(refs) < blobBatchSize {
			return deleted, nil
		}
	}
}

// Trigger starts a sweep in the background and returns immediately. It does
// nothing if a sweep started by this Sweeper is still running.
func (s *Sweeper) Trigger() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()

		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("background sweep failed", "error", err)
		}
	}()
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Wait blocks until background sweeps have finished.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}
