package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/remote"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore fails every call while failing is set.
type flakyStore struct {
	*remote.MemoryStore
	mu      sync.Mutex
	failing bool
	creates int
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	f.mu.Lock()
	failing := f.failing
	f.creates++
	f.mu.Unlock()
	if failing {
		return domain.Record{}, errUnavailable
	}
	return f.MemoryStore.Create(ctx, rec)
}

func (f *flakyStore) Update(ctx context.Context, rec domain.Record) (domain.Record, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return domain.Record{}, errUnavailable
	}
	return f.MemoryStore.Update(ctx, rec)
}

func newSyncer(t *testing.T, store remote.Store, onHandle func(domain.Handle, uint64)) *Syncer {
	t.Helper()
	s := NewSyncer(store, Config{OnHandle: onHandle}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func records(t *testing.T, store remote.Store) []domain.Record {
	t.Helper()
	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return list
}

func fields(score int) Fields {
	return Fields{Participant: "Alice", Score: score, Language: domain.LanguageEnglish}
}

func TestSyncNowTwiceCreatesOneRecord(t *testing.T) {
	store := remote.NewMemoryStore()
	var assigned []domain.Handle
	s := newSyncer(t, store, func(h domain.Handle, _ uint64) { assigned = append(assigned, h) })
	ctx := context.Background()

	h1, err := s.SyncNow(ctx, fields(0))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	h2, err := s.SyncNow(ctx, fields(0))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if h1 != h2 {
		t.Errorf("handle changed from %d to %d", h1, h2)
	}
	if n := len(records(t, store)); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if len(assigned) != 1 || assigned[0] != h1 {
		t.Errorf("expected handle captured once, got %v", assigned)
	}
}

func TestSyncProgressTwiceCreatesOneRecord(t *testing.T) {
	store := remote.NewMemoryStore()
	s := NewSyncer(store, Config{}, nil)

	s.SyncProgress(fields(10))
	s.SyncProgress(fields(20))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	list := records(t, store)
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].Score != 20 {
		t.Errorf("score = %d, want last write 20", list[0].Score)
	}
}

func TestConcurrentFirstWritesCreateOneRecord(t *testing.T) {
	store := remote.NewMemoryStore()
	s := newSyncer(t, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			if _, err := s.SyncNow(context.Background(), fields(score)); err != nil {
				t.Errorf("SyncNow: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n := len(records(t, store)); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestRestoredHandleIsReused(t *testing.T) {
	store := remote.NewMemoryStore()
	existing, _ := store.Create(context.Background(), domain.Record{Participant: "Alice"})

	s := newSyncer(t, store, nil)
	s.SetHandle(existing.Handle)

	h, err := s.SyncNow(context.Background(), fields(50))
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if h != existing.Handle {
		t.Fatalf("expected handle %d reused, got %d", existing.Handle, h)
	}
	list := records(t, store)
	if len(list) != 1 || list[0].Score != 50 || list[0].Status != domain.StatusInProgress {
		t.Fatalf("unexpected records %+v", list)
	}
}

func TestSuppliedHandleWins(t *testing.T) {
	store := remote.NewMemoryStore()
	existing, _ := store.Create(context.Background(), domain.Record{Participant: "Alice"})
	s := newSyncer(t, store, nil)

	f := fields(85)
	f.Handle = existing.Handle
	if _, err := s.SyncNow(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if s.Handle() != existing.Handle {
		t.Errorf("held handle = %d, want %d", s.Handle(), existing.Handle)
	}
	got, _ := store.Get(context.Background(), existing.Handle)
	if got.Status != domain.StatusPassed {
		t.Errorf("status = %q, want derived %q", got.Status, domain.StatusPassed)
	}
}

func TestDeletedRecordIsRecreatedOnce(t *testing.T) {
	store := remote.NewMemoryStore()
	var assigned []domain.Handle
	s := newSyncer(t, store, func(h domain.Handle, _ uint64) { assigned = append(assigned, h) })
	ctx := context.Background()

	h1, _ := s.SyncNow(ctx, fields(10))
	if err := store.Delete(ctx, h1); err != nil {
		t.Fatal(err)
	}

	h2, err := s.SyncNow(ctx, fields(20))
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if h2 == h1 {
		t.Fatal("expected a new handle after recreate")
	}
	if _, err := s.SyncNow(ctx, fields(30)); err != nil {
		t.Fatal(err)
	}

	list := records(t, store)
	if len(list) != 1 || list[0].Handle != h2 || list[0].Score != 30 {
		t.Fatalf("unexpected records %+v", list)
	}
	if len(assigned) != 2 {
		t.Errorf("expected 2 captured handles, got %v", assigned)
	}
}

func TestIdenticalSyncsAreIdempotent(t *testing.T) {
	store := remote.NewMemoryStore()
	s := newSyncer(t, store, nil)
	ctx := context.Background()

	fb := "Mastered Demo Section"
	f := fields(80)
	f.Feedback = &fb
	h, _ := s.SyncNow(ctx, f)
	f.Handle = h
	first, _ := store.Get(ctx, h)
	if _, err := s.SyncNow(ctx, f); err != nil {
		t.Fatal(err)
	}
	second, _ := store.Get(ctx, h)

	if first.Score != second.Score || first.Status != second.Status || first.Feedback() != second.Feedback() || first.Participant != second.Participant {
		t.Fatalf("record changed: %+v vs %+v", first, second)
	}
	if n := len(records(t, store)); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestAbsentFeedbackKeepsRemoteValue(t *testing.T) {
	store := remote.NewMemoryStore()
	s := newSyncer(t, store, nil)
	ctx := context.Background()

	fb := "Wrong payment provider"
	f := fields(40)
	f.Feedback = &fb
	h, _ := s.SyncNow(ctx, f)

	if _, err := s.SyncNow(ctx, fields(60)); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, h)
	if got.Feedback() != fb {
		t.Errorf("feedback = %q, want %q", got.Feedback(), fb)
	}
}

func TestFailuresAreSwallowed(t *testing.T) {
	store := &flakyStore{MemoryStore: remote.NewMemoryStore(), failing: true}
	s := NewSyncer(store, Config{}, nil)

	if _, err := s.SyncNow(context.Background(), fields(10)); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	s.SyncProgress(fields(20))
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	if n := len(records(t, store)); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
	if s.Handle() != 0 {
		t.Errorf("expected no handle, got %d", s.Handle())
	}
}

func TestResetStartsNewRecord(t *testing.T) {
	store := remote.NewMemoryStore()
	s := newSyncer(t, store, nil)
	ctx := context.Background()

	h1, _ := s.SyncNow(ctx, fields(10))
	s.Reset()
	if s.Handle() != 0 {
		t.Fatal("expected handle cleared")
	}
	h2, _ := s.SyncNow(ctx, Fields{Participant: "Bob"})
	if h1 == h2 {
		t.Fatal("expected a distinct record after reset")
	}
}

func TestSyncAfterClose(t *testing.T) {
	s := NewSyncer(remote.NewMemoryStore(), Config{}, nil)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SyncNow(context.Background(), fields(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	s.SyncProgress(fields(1))
	s.Reset()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestHandleCallbackCarriesWriteGeneration(t *testing.T) {
	store := remote.NewMemoryStore()
	defer store.Close()

	type assignment struct {
		handle domain.Handle
		gen    uint64
	}
	seen := make(chan assignment, 2)
	release := make(chan struct{})
	s := newSyncer(t, store, func(h domain.Handle, gen uint64) {
		seen <- assignment{h, gen}
		if gen == 0 {
			<-release
		}
	})

	s.SyncProgress(fields(10))
	queued := <-seen // worker is now parked inside the callback

	s.Reset()
	h2, err := s.SyncNow(context.Background(), Fields{Participant: "Bob", Language: domain.LanguageEnglish})
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	fresh := <-seen
	close(release)

	if queued.gen == s.Generation() {
		t.Errorf("queued write reported current generation %d after reset", queued.gen)
	}
	if fresh.handle != h2 || fresh.gen != s.Generation() {
		t.Errorf("fresh assignment = %+v, want handle %d at generation %d", fresh, h2, s.Generation())
	}
	if queued.handle == h2 {
		t.Error("reset write reused the queued record")
	}
}
