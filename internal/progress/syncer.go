// Package progress mirrors local assessment progress to the remote store.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/remote"
)

// ErrClosed is returned by SyncNow after Close.
var ErrClosed = errors.New("syncer closed")

const (
	defaultQueueSize   = 16
	defaultSyncTimeout = 10 * time.Second
)

// Fields is the progress pushed to the remote record.
type Fields struct {
	Participant string
	Score       int
	// Status is derived from Score when empty.
	Status   domain.Status
	Language domain.Language
	// Feedback nil keeps the remote record's previous feedback.
	Feedback *string
	// Handle addresses an existing record. Zero uses the held handle.
	Handle domain.Handle
}

func (f Fields) record(h domain.Handle) domain.Record {
	status := f.Status
	if status == "" {
		status = domain.DeriveStatus(f.Score)
	}
	return domain.Record{
		Handle:       h,
		Participant:  f.Participant,
		Score:        f.Score,
		Status:       status,
		Language:     f.Language,
		LastFeedback: f.Feedback,
	}
}

type job struct {
	fields Fields
	gen    uint64
}

// Config tunes a Syncer.
type Config struct {
	QueueSize   int
	SyncTimeout time.Duration
	// OnHandle is called once per newly assigned handle, outside any lock,
	// with the generation the write ran under. A generation older than
	// Generation belongs to a write issued before the last Reset.
	OnHandle func(h domain.Handle, gen uint64)
}

// Syncer creates the remote record on first write and updates it by handle
// afterwards. All writes are serialized, so two concurrent first writes
// still create a single record.
type Syncer struct {
	store    remote.Store
	logger   *slog.Logger
	onHandle func(domain.Handle, uint64)
	timeout  time.Duration

	mu     sync.Mutex // serializes remote writes, guards handle and gen
	handle domain.Handle
	gen    uint64

	qmu    sync.Mutex // guards queue sends and closed
	queue  chan job
	closed bool
	wg     sync.WaitGroup
}

// NewSyncer starts a syncer with its background worker.
func NewSyncer(store remote.Store, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	s := &Syncer{
		store:    store,
		logger:   logger,
		onHandle: cfg.OnHandle,
		timeout:  cfg.SyncTimeout,
		queue:    make(chan job, cfg.QueueSize),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Handle returns the held handle, zero when none was assigned yet.
func (s *Syncer) Handle() domain.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Generation returns the current reset generation.
func (s *Syncer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetHandle adopts a handle restored from a local snapshot.
func (s *Syncer) SetHandle(h domain.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// Reset forgets the held handle and discards queued writes. Writes queued
// before Reset never reach the store.
func (s *Syncer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = 0
	s.gen++
	for {
		select {
		case _, ok := <-s.queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// SyncNow writes f and returns the record's handle.
func (s *Syncer) SyncNow(ctx context.Context, f Fields) (domain.Handle, error) {
	s.qmu.Lock()
	closed := s.closed
	s.qmu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	s.mu.Lock()
	gen := s.gen
	h, assigned, err := s.syncLocked(ctx, f)
	s.mu.Unlock()

	if assigned && s.onHandle != nil {
		s.onHandle(h, gen)
	}
	return h, err
}

// SyncProgress queues f for the background worker and returns immediately.
// When the queue is full the oldest pending write is dropped; each write
// carries full fields, so only the newest matters.
func (s *Syncer) SyncProgress(f Fields) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		s.logger.Warn("progress sync after close dropped", "participant", f.Participant)
		return
	}
	j := job{fields: f, gen: gen}
	for {
		select {
		case s.queue <- j:
			return
		default:
		}
		select {
		case <-s.queue:
			s.logger.Debug("progress queue full, dropping oldest write")
		default:
		}
	}
}

// Close stops accepting writes and waits until queued writes are done or ctx ends.
func (s *Syncer) Close(ctx context.Context) error {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain progress queue: %w", ctx.Err())
	}
}

func (s *Syncer) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

		s.mu.Lock()
		if j.gen != s.gen {
			s.mu.Unlock()
			cancel()
			continue
		}
		h, assigned, err := s.syncLocked(ctx, j.fields)
		s.mu.Unlock()
		cancel()

		if err != nil {
			s.logger.Warn("progress sync failed", "participant", j.fields.Participant, "handle", int64(h), "error", err)
			continue
		}
		if assigned && s.onHandle != nil {
			s.onHandle(h, j.gen)
		}
	}
}

// syncLocked performs one write. s.mu must be held. assigned reports a
// newly captured handle.
func (s *Syncer) syncLocked(ctx context.Context, f Fields) (domain.Handle, bool, error) {
	h := f.Handle
	if h.IsZero() {
		h = s.handle
	}

	if !h.IsZero() {
		rec, err := s.store.Update(ctx, f.record(h))
		if err == nil {
			s.handle = rec.Handle
			return rec.Handle, false, nil
		}
		if !errors.Is(err, remote.ErrNotFound) {
			return h, false, fmt.Errorf("update progress: %w", err)
		}
		s.logger.Warn("remote record vanished, recreating", "handle", int64(h))
	}

	rec, err := s.store.Create(ctx, f.record(0))
	if err != nil {
		return 0, false, fmt.Errorf("create progress: %w", err)
	}
	s.handle = rec.Handle
	s.logger.Info("remote record created", "handle", int64(rec.Handle), "participant", f.Participant)
	return rec.Handle, true, nil
}
