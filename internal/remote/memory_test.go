package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func feedback(s string) *string { return &s }

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryStoreCRUDPublishesEvents(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	created, err := s.Create(ctx, domain.Record{Participant: "Alice", Status: domain.StatusInProgress, Language: domain.LanguageEnglish})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Handle.IsZero() {
		t.Fatal("expected assigned handle")
	}
	if ev := receive(t, sub); ev.Type != EventInsert || ev.Handle() != created.Handle {
		t.Fatalf("unexpected insert event %+v", ev)
	}

	updated, err := s.Update(ctx, domain.Record{Handle: created.Handle, Participant: "Alice", Score: 80, Status: domain.StatusPassed, LastFeedback: feedback("Mastered Demo Section")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("expected UpdatedAt to advance")
	}
	ev := receive(t, sub)
	if ev.Type != EventUpdate || ev.New.Score != 80 || ev.Old.Score != 0 {
		t.Fatalf("unexpected update event %+v", ev)
	}

	if err := s.Delete(ctx, created.Handle); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ev := receive(t, sub); ev.Type != EventDelete || ev.New != nil || ev.Handle() != created.Handle {
		t.Fatalf("unexpected delete event %+v", ev)
	}
}

func TestMemoryStoreUpdateKeepsFeedbackWhenAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, _ := s.Create(ctx, domain.Record{Participant: "Bob", LastFeedback: feedback("Wrong payment provider")})
	rec.Score = 30
	rec.LastFeedback = nil
	got, err := s.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Feedback() != "Wrong payment provider" {
		t.Errorf("feedback = %q, want previous value kept", got.Feedback())
	}
}

func TestMemoryStoreUnknownHandle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Update(ctx, domain.Record{Handle: 99}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.Create(ctx, domain.Record{Participant: "a"})
	b, _ := s.Create(ctx, domain.Record{Participant: "b"})
	if _, err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Handle != a.Handle || list[1].Handle != b.Handle {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestMemoryStoreRegisterUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.RegisterUser(ctx, domain.Registration{Name: "Ann"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
	msg, err := s.RegisterUser(ctx, domain.Registration{Name: "Ann", Email: "ann@example.com", Phone: "123"})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if msg == "" || len(s.Registrations()) != 1 {
		t.Fatalf("registration not stored: %q %+v", msg, s.Registrations())
	}
}

func TestMemoryStoreCloseEndsSubscriptions(t *testing.T) {
	s := NewMemoryStore()
	sub, _ := s.Subscribe()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping before close: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	sub.Unsubscribe()
	if _, err := s.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Create(context.Background(), domain.Record{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Ping, got %v", err)
	}
}
