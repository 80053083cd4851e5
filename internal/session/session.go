// Package session owns one participant's assessment state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/agent"
	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/progress"
	"github.com/ashureev/evalstream/internal/prompt"
	"github.com/ashureev/evalstream/internal/remote"
	"github.com/ashureev/evalstream/internal/store"
)

var (
	ErrBusy        = errors.New("an exchange is already in progress")
	ErrNotLoggedIn = errors.New("participant is not logged in")
	ErrEmptyInput  = errors.New("input is empty")
	ErrClosed      = errors.New("session closed")
)

// ConnectionErrorText replaces the reply of a failed exchange.
const ConnectionErrorText = "⚠️ Connection Error. Please try again."

// StartedFeedback is written to the remote record at login.
const StartedFeedback = "Started Assessment"

// Options configures a Session. Consumer is required.
type Options struct {
	Consumer *agent.Consumer
	// Slot persists snapshots. Nil disables local persistence.
	Slot *store.Slot
	// Remote receives progress. Nil disables remote sync.
	Remote  remote.Store
	Catalog *prompt.Catalog
	// Language is used until login or restore selects one.
	Language     domain.Language
	PersistDelay time.Duration
	Logger       *slog.Logger
}

// Session is the explicitly owned conversation of one participant. All
// methods are safe for concurrent use.
type Session struct {
	consumer *agent.Consumer
	catalog  *prompt.Catalog
	slot     *store.Slot
	persist  *persister
	syncer   *progress.Syncer
	logger   *slog.Logger

	mu       sync.Mutex
	state    domain.SessionState
	restored bool
	busy     bool
	closed   bool
	epoch    uint64
	cancel   context.CancelFunc
	active   time.Time
}

// New creates a session in the logged-out state. Call Restore before the
// first mutation so a stored snapshot is not overwritten.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = prompt.Default()
	}

	s := &Session{
		consumer: opts.Consumer,
		catalog:  catalog,
		slot:     opts.Slot,
		logger:   logger,
		state:    domain.NewSessionState(domain.ParseLanguage(string(opts.Language))),
		active:   time.Now(),
	}
	if opts.Slot != nil {
		s.persist = newPersister(opts.Slot, opts.PersistDelay, logger)
	}
	if opts.Remote != nil {
		s.syncer = progress.NewSyncer(opts.Remote, progress.Config{OnHandle: s.adoptHandle}, logger)
	}
	return s
}

// Restore loads the stored snapshot. A missing or unreadable snapshot
// leaves the logged-out state. It reports whether a conversation was
// restored.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.busy {
		return false, ErrBusy
	}
	defer func() { s.restored = true }()

	if s.slot == nil {
		return false, nil
	}
	snap, err := s.slot.Load(ctx)
	if err != nil {
		s.logger.Warn("session restore failed, starting fresh", "slot", s.slot.Name(), "error", err)
		return false, nil
	}
	if snap == nil || snap.IsEmpty() {
		return false, nil
	}

	st := snap.Clone()
	st.Messages = dropStreaming(st.Messages)
	st.Language = domain.ParseLanguage(string(st.Language))
	st.FontSizeIndex = domain.ClampFontSizeIndex(st.FontSizeIndex)
	s.state = st
	if s.syncer != nil && !st.Handle.IsZero() {
		s.syncer.SetHandle(st.Handle)
	}
	s.logger.Info("session restored", "slot", s.slot.Name(), "messages", len(st.Messages), "handle", int64(st.Handle))
	return true, nil
}

// Login starts a new assessment for name. The welcome message is shown
// and the remote record is created before Login returns, so later
// progress updates address it.
func (s *Session) Login(ctx context.Context, name string, lang domain.Language) (domain.SessionState, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.SessionState{}, ErrEmptyInput
	}
	lang = domain.ParseLanguage(string(lang))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SessionState{}, ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return domain.SessionState{}, ErrBusy
	}
	s.epoch++
	st := s.freshStateLocked(lang)
	st.Participant = name
	st.Messages = []domain.Message{domain.NewMessage(domain.RoleAssistant, s.catalog.Welcome(lang))}
	s.state = st
	s.touchLocked()
	if s.syncer != nil {
		s.syncer.Reset()
	}
	s.persistLocked()
	s.mu.Unlock()

	if s.syncer != nil {
		feedback := StartedFeedback
		if _, err := s.syncer.SyncNow(ctx, progress.Fields{
			Participant: name,
			Status:      domain.StatusInProgress,
			Language:    lang,
			Feedback:    &feedback,
		}); err != nil {
			s.logger.Warn("initial progress sync failed", "participant", name, "error", err)
		}
	}
	return s.Snapshot(), nil
}

// Send runs one exchange with text as the participant's turn. onUpdate,
// if set, receives the assistant message after every change. It must not
// call back into the session.
func (s *Session) Send(ctx context.Context, text string, onUpdate func(domain.Message)) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state.IsEmpty():
		s.mu.Unlock()
		return ErrNotLoggedIn
	case s.busy:
		s.mu.Unlock()
		return ErrBusy
	}

	history := agent.BuildHistory(s.state.Messages)
	reply := domain.Message{ID: domain.NewMessageID(), Role: domain.RoleAssistant, Streaming: true}
	s.state.Messages = append(s.state.Messages, domain.NewMessage(domain.RoleUser, text), reply)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.busy = true
	s.cancel = cancel
	epoch := s.epoch
	req := agent.Request{
		Text:              text,
		Language:          s.state.Language,
		History:           history,
		SystemInstruction: s.catalog.Instruction,
	}
	s.touchLocked()
	s.persistLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.epoch == epoch {
			s.busy = false
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	var (
		feedback *string
		tagged   bool
		err      error
	)
	for u, uerr := range s.consumer.Exchange(ctx, req).Updates() {
		if uerr != nil {
			err = uerr
			break
		}
		if u.Score != nil || u.Feedback != nil {
			tagged = true
		}
		feedback = u.Feedback
		msg, ok := s.applyUpdate(epoch, reply.ID, u)
		if !ok {
			return nil
		}
		if onUpdate != nil {
			onUpdate(msg)
		}
	}

	if err != nil {
		msg, ok := s.failExchange(epoch, reply.ID)
		if ok && onUpdate != nil {
			onUpdate(msg)
		}
		s.logger.Warn("exchange failed", "error", err)
		return fmt.Errorf("exchange: %w", err)
	}

	s.syncProgress(epoch, tagged, feedback)
	return nil
}

// applyUpdate writes u into the reply message. ok is false when the
// session was reset during the exchange.
func (s *Session) applyUpdate(epoch uint64, id string, u agent.Update) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return domain.Message{}, false
	}
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Message{}, false
	}
	m := &s.state.Messages[i]
	m.Text = u.Text
	m.Streaming = !u.Final
	if u.Score != nil {
		s.state.Score = *u.Score
	}
	if u.Feedback != nil {
		s.state.LastFeedback = *u.Feedback
	}
	s.touchLocked()
	s.persistLocked()
	return *m, true
}

// failExchange replaces the reply with the error text. Score and feedback
// applied mid-stream are kept.
func (s *Session) failExchange(epoch uint64, id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return domain.Message{}, false
	}
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Message{}, false
	}
	m := &s.state.Messages[i]
	m.Text = ConnectionErrorText
	m.Streaming = false
	s.persistLocked()
	return *m, true
}

// syncProgress pushes the outcome of a completed exchange. Exchanges that
// carried no tag are only pushed when a record already exists.
func (s *Session) syncProgress(epoch uint64, tagged bool, feedback *string) {
	if s.syncer == nil {
		return
	}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	f := progress.Fields{
		Participant: s.state.Participant,
		Score:       s.state.Score,
		Language:    s.state.Language,
		Feedback:    feedback,
		Handle:      s.state.Handle,
	}
	s.mu.Unlock()

	if !tagged && f.Handle.IsZero() && s.syncer.Handle().IsZero() {
		return
	}
	s.syncer.SyncProgress(f)
}

// adoptHandle records a handle captured by the syncer. Handles from a
// write issued before the last reset belong to the previous participant.
func (s *Session) adoptHandle(h domain.Handle, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsEmpty() || s.state.Handle == h {
		return
	}
	if gen != s.syncer.Generation() {
		s.logger.Debug("stale handle ignored", "handle", int64(h))
		return
	}
	s.state.Handle = h
	s.persistLocked()
}

// SetLanguage switches the reply language for later exchanges.
func (s *Session) SetLanguage(lang domain.Language) domain.Language {
	lang = domain.ParseLanguage(string(lang))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Language != lang {
		s.state.Language = lang
		s.persistLocked()
	}
	return lang
}

// SetFontSizeIndex selects a display scale. The index is clamped to the
// available sizes and the applied value is returned.
func (s *Session) SetFontSizeIndex(idx int) int {
	idx = domain.ClampFontSizeIndex(idx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.FontSizeIndex != idx {
		s.state.FontSizeIndex = idx
		s.persistLocked()
	}
	return idx
}

// SetHeaderVisible shows or hides the header.
func (s *Session) SetHeaderVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.HeaderVisible != visible {
		s.state.HeaderVisible = visible
		s.persistLocked()
	}
}

// Reset abandons the assessment: any exchange in flight is cancelled,
// the conversation and score are cleared, the stored snapshot is removed
// and the next login creates a new remote record. Preferences survive.
func (s *Session) Reset(ctx context.Context) error {
	return s.clear(ctx, "reset")
}

// Logout ends the assessment the same way as Reset.
func (s *Session) Logout(ctx context.Context) error {
	return s.clear(ctx, "logout")
}

func (s *Session) clear(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.busy = false
	participant := s.state.Participant
	s.state = s.freshStateLocked(s.state.Language)
	s.touchLocked()
	if s.syncer != nil {
		s.syncer.Reset()
	}
	s.mu.Unlock()

	s.logger.Info("assessment cleared", "reason", reason, "participant", participant)

	if s.slot == nil {
		return nil
	}
	s.persist.discard()
	if err := s.slot.Clear(ctx); err != nil {
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Busy reports whether an exchange is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastActive returns the time of the last participant action.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Touch marks the session as active.
func (s *Session) Touch() {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
}

// Catalog returns the copy used by the session.
func (s *Session) Catalog() *prompt.Catalog {
	return s.catalog
}

// Close cancels any exchange, writes the pending snapshot and waits for
// queued progress writes until ctx ends.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.persist != nil {
		s.persist.close(ctx)
	}
	if s.syncer != nil {
		if err := s.syncer.Close(ctx); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
	}
	return nil
}

// persistLocked schedules a snapshot write. Nothing is written before
// Restore has run or while no participant is logged in.
func (s *Session) persistLocked() {
	if s.persist == nil || !s.restored || s.state.IsEmpty() {
		return
	}
	s.persist.schedule(s.state.Clone())
}

func (s *Session) freshStateLocked(lang domain.Language) domain.SessionState {
	st := domain.NewSessionState(lang)
	st.FontSizeIndex = s.state.FontSizeIndex
	st.HeaderVisible = s.state.HeaderVisible
	return st
}

func (s *Session) indexLocked(id string) int {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		if s.state.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) touchLocked() {
	s.active = time.Now()
}

// dropStreaming removes replies that were still streaming when saved.
func dropStreaming(msgs []domain.Message) []domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if !m.Streaming {
			out = append(out, m)
		}
	}
	return out
}
