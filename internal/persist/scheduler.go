// Package persist defers conversation writes behind a per-conversation
// debounce window.
package persist

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cadence/internal/metrics"
	"cadence/internal/storage"
)

const (
	DefaultDebounce     = 400 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

// Store is the subset of storage.Store the scheduler writes through.
type Store interface {
	Write(ctx context.Context, conversationID, title string, messages []storage.Message) error
	WriteIncremental(ctx context.Context, conversationID, title string, messages []storage.Message, existingIDs []string) error
}

// Snapshot is the full message list of a conversation at schedule time.
type Snapshot struct {
	Title    string
	Messages []storage.Message
}

// PendingSave is a staged write.
type PendingSave struct {
	ConversationID string
	Snapshot       Snapshot
	LastWrittenIDs []string
}

type Options struct {
	Debounce     time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

type convState struct {
	gen         uint64
	timer       *time.Timer
	pending     *Snapshot
	lastWritten []string
	written     bool
}

// Scheduler coalesces snapshots so that at most one write per conversation
// happens per debounce window.
type Scheduler struct {
	store        Store
	debounce     time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu    sync.Mutex
	convs map[string]*convState

	// writeMu serializes store writes so lastWritten always matches the store.
	writeMu sync.Mutex
}

func NewScheduler(store Store, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Scheduler{
		store:        store,
		debounce:     opts.Debounce,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With().Str("component", "persist").Logger(),
		convs:        make(map[string]*convState),
	}
}

func (s *Scheduler) state(conversationID string) *convState {
	st, ok := s.convs[conversationID]
	if !ok {
		st = &convState{}
		s.convs[conversationID] = st
	}
	return st
}

// Schedule stages snap and restarts the conversation's debounce timer.
// A snapshot whose message IDs equal the last written sequence clears the
// stage instead.
func (s *Scheduler) Schedule(conversationID string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(conversationID)
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}

	if st.written && slices.Equal(storage.IDs(snap.Messages), st.lastWritten) {
		st.pending = nil
		return
	}

	snap.Messages = slices.Clone(snap.Messages)
	st.pending = &snap
	gen := st.gen
	st.timer = time.AfterFunc(s.debounce, func() {
		s.fire(conversationID, gen)
	})
}

func (s *Scheduler) fire(conversationID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.flush(ctx, conversationID, gen, true); err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("deferred save failed")
	}
}

// flush writes the staged snapshot. When checkGen is set, a stage whose
// generation moved past gen is left for its own timer.
func (s *Scheduler) flush(ctx context.Context, conversationID string, gen uint64, checkGen bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	st, ok := s.convs[conversationID]
	if !ok || st.pending == nil || (checkGen && st.gen != gen) {
		s.mu.Unlock()
		return nil
	}
	if checkGen {
		st.timer = nil
	}
	save := PendingSave{
		ConversationID: conversationID,
		Snapshot:       *st.pending,
		LastWrittenIDs: slices.Clone(st.lastWritten),
	}
	first := !st.written
	stagedGen := st.gen
	ids := storage.IDs(save.Snapshot.Messages)
	if !first && slices.Equal(ids, save.LastWrittenIDs) {
		st.pending = nil
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	kind := "incremental"
	var err error
	if first {
		kind = "full"
		err = s.store.Write(ctx, conversationID, save.Snapshot.Title, save.Snapshot.Messages)
	} else {
		err = s.store.WriteIncremental(ctx, conversationID, save.Snapshot.Title, save.Snapshot.Messages, save.LastWrittenIDs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		metrics.RecordPersistWrite(kind, "error")
		return err
	}
	metrics.RecordPersistWrite(kind, "ok")

	if st, ok = s.convs[conversationID]; !ok {
		// forgotten while writing
		return nil
	}
	st.written = true
	st.lastWritten = ids
	if st.gen == stagedGen {
		st.pending = nil
	}
	s.logger.Debug().
		Str("conversation", conversationID).
		Str("kind", kind).
		Int("messages", len(ids)).
		Msg("conversation saved")
	return nil
}

// Flush writes the conversation's stage now, cancelling its timer.
func (s *Scheduler) Flush(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if st, ok := s.convs[conversationID]; ok && st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	s.mu.Unlock()
	return s.flush(ctx, conversationID, 0, false)
}

// FlushNow cancels every timer and writes all staged snapshots.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id, st := range s.convs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if st.pending != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := s.flush(ctx, id, 0, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkWritten records ids as already present in the store, e.g. after a
// conversation was loaded from it.
func (s *Scheduler) MarkWritten(conversationID string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(conversationID)
	st.written = true
	st.lastWritten = slices.Clone(ids)
}

// Forget drops all state for the conversation without writing.
func (s *Scheduler) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.convs[conversationID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.convs, conversationID)
	}
}

// Pending reports whether the conversation has a staged snapshot.
func (s *Scheduler) Pending(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	return ok && st.pending != nil
}

// LastWritten returns the id sequence of the last successful write.
func (s *Scheduler) LastWritten(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.convs[conversationID]; ok {
		return slices.Clone(st.lastWritten)
	}
	return nil
}
