// Package remote is the shared store of assessment records and its change feed.
package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/evalstream/internal/domain"
)

var (
	// ErrNotFound is returned when no record has the requested handle.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrInvalidRegistration is returned when a registration misses a field.
	ErrInvalidRegistration = errors.New("name, email and phone are required")
)

// EventType tags a change feed event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change to the record set. Delete events carry Old only,
// inserts carry New only, updates carry both when available.
type Event struct {
	Type EventType       `json:"type"`
	New  *domain.Record `json:"new"`
	Old  *domain.Record `json:"old"`
}

// Handle returns the handle of the affected record.
func (e Event) Handle() domain.Handle {
	if e.New != nil {
		return e.New.Handle
	}
	if e.Old != nil {
		return e.Old.Handle
	}
	return 0
}

// Store is the remote record set.
type Store interface {
	// Create inserts a record and returns it with its assigned handle.
	Create(ctx context.Context, rec domain.Record) (domain.Record, error)

	// Update overwrites the record addressed by rec.Handle. A nil
	// LastFeedback keeps the stored feedback. Returns ErrNotFound when the
	// handle does not exist.
	Update(ctx context.Context, rec domain.Record) (domain.Record, error)

	// Get returns one record.
	Get(ctx context.Context, handle domain.Handle) (domain.Record, error)

	// List returns every record, most recently updated first.
	List(ctx context.Context) ([]domain.Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, handle domain.Handle) error

	// Subscribe starts a change feed subscription.
	Subscribe() (*Subscription, error)

	// Close releases resources and ends all subscriptions.
	Close() error
}

// Registrar stores participant registrations requested through the
// model's registerUser tool. RegisterUser returns the result text shown
// to the model.
type Registrar interface {
	RegisterUser(ctx context.Context, reg domain.Registration) (string, error)
}

// ValidateRegistration checks that every registration field is present.
func ValidateRegistration(reg domain.Registration) error {
	if strings.TrimSpace(reg.Name) == "" || strings.TrimSpace(reg.Email) == "" || strings.TrimSpace(reg.Phone) == "" {
		return ErrInvalidRegistration
	}
	return nil
}

func registrationResult(reg domain.Registration) string {
	return "Success: User " + reg.Name + " has been registered."
}
