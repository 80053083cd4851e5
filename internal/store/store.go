// Package store provides durable local persistence of session snapshots.
package store

import (
	"context"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
)

// DefaultSlot is the slot name used by single-participant clients.
const DefaultSlot = "currentState"

// SlotStore persists full session snapshots under named slots.
type SlotStore interface {
	// Save overwrites the slot with state.
	Save(ctx context.Context, slot string, state *domain.SessionState) error

	// Load returns the snapshot in slot, or nil when the slot is empty.
	Load(ctx context.Context, slot string) (*domain.SessionState, error)

	// Clear removes the slot. Clearing an empty slot is not an error.
	Clear(ctx context.Context, slot string) error

	// CleanupStale removes slots not written within ttl.
	CleanupStale(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Slot binds a SlotStore to one slot name.
type Slot struct {
	store SlotStore
	name  string
}

// NewSlot returns a handle for the named slot.
func NewSlot(s SlotStore, name string) *Slot {
	return &Slot{store: s, name: name}
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// Save overwrites the slot.
func (s *Slot) Save(ctx context.Context, state *domain.SessionState) error {
	return s.store.Save(ctx, s.name, state)
}

// Load returns the stored snapshot or nil.
func (s *Slot) Load(ctx context.Context) (*domain.SessionState, error) {
	return s.store.Load(ctx, s.name)
}

// Clear removes the slot.
func (s *Slot) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.name)
}
