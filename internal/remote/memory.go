package remote

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
)

// MemoryStore is an in-process Store. Used by the CLI when no database is
// configured, and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  domain.Handle
	records map[domain.Handle]domain.Record
	regs    []domain.Registration
	hub     *hub
	closed  bool
	now     func() time.Time
	last    time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[domain.Handle]domain.Record),
		hub:     newHub(),
		now:     time.Now,
	}
}

// Create inserts rec with a fresh handle.
func (m *MemoryStore) Create(_ context.Context, rec domain.Record) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Record{}, ErrClosed
	}

	m.nextID++
	now := m.tick()
	rec.Handle = m.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.LastFeedback = cloneString(rec.LastFeedback)
	m.records[rec.Handle] = rec

	out := cloneRecord(rec)
	m.hub.publish(Event{Type: EventInsert, New: &out})
	return rec, nil
}

// Update overwrites the record with rec.Handle.
func (m *MemoryStore) Update(_ context.Context, rec domain.Record) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Record{}, ErrClosed
	}

	old, ok := m.records[rec.Handle]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = m.tick()
	if rec.LastFeedback == nil {
		rec.LastFeedback = old.LastFeedback
	}
	rec.LastFeedback = cloneString(rec.LastFeedback)
	m.records[rec.Handle] = rec

	newRec, oldRec := cloneRecord(rec), cloneRecord(old)
	m.hub.publish(Event{Type: EventUpdate, New: &newRec, Old: &oldRec})
	return rec, nil
}

// Get returns the record with handle.
func (m *MemoryStore) Get(_ context.Context, handle domain.Handle) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[handle]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// List returns all records, most recently updated first.
func (m *MemoryStore) List(_ context.Context) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]domain.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b domain.Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Handle, a.Handle)
	})
	return out, nil
}

// Delete removes the record with handle.
func (m *MemoryStore) Delete(_ context.Context, handle domain.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.records[handle]
	if !ok {
		return ErrNotFound
	}
	delete(m.records, handle)
	oldRec := cloneRecord(old)
	m.hub.publish(Event{Type: EventDelete, Old: &oldRec})
	return nil
}

// Subscribe starts a change feed subscription.
func (m *MemoryStore) Subscribe() (*Subscription, error) {
	return m.hub.subscribe()
}

// Subscribers returns the number of live subscriptions.
func (m *MemoryStore) Subscribers() int {
	return m.hub.count()
}

// RegisterUser records a registration requested by the model.
func (m *MemoryStore) RegisterUser(_ context.Context, reg domain.Registration) (string, error) {
	if err := ValidateRegistration(reg); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.regs = append(m.regs, reg)
	return registrationResult(reg), nil
}

// Registrations returns a copy of the stored registrations.
func (m *MemoryStore) Registrations() []domain.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.regs)
}

// Ping reports ErrClosed after Close.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends all subscriptions. Later writes fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}

// tick returns a strictly increasing timestamp so updates order by UpdatedAt.
func (m *MemoryStore) tick() time.Time {
	now := m.now().UTC()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func cloneRecord(r domain.Record) domain.Record {
	r.LastFeedback = cloneString(r.LastFeedback)
	return r
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
