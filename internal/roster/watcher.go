package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/evalstream/internal/remote"
)

// Watcher keeps a Roster in sync with a remote change feed until Close.
type Watcher struct {
	store    remote.Store
	roster   *Roster
	sub      *remote.Subscription
	onChange func()
	logger   *slog.Logger

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Watch subscribes to store, loads the current listing into r and applies
// changes in the background. It subscribes before listing so no change made
// during the initial fetch is missed. onChange, if set, runs on the watcher
// goroutine after every change (and once after the initial load).
func Watch(ctx context.Context, store remote.Store, r *Roster, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := store.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("initial roster fetch: %w", err)
	}
	r.Load(records)

	w := &Watcher{
		store:    store,
		roster:   r,
		sub:      sub,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	w.notify()

	w.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.sub.Events():
			if !ok {
				return
			}
			changed := w.roster.Apply(ev)
			if w.sub.TakeLagged() {
				w.resync(ctx)
				changed = true
			}
			if changed {
				w.notify()
			}
		}
	}
}

func (w *Watcher) resync(ctx context.Context) {
	records, err := w.store.List(ctx)
	if err != nil {
		w.logger.Warn("roster resync failed", "error", err)
		return
	}
	w.roster.Load(records)
	w.logger.Info("roster resynced after dropped events", "records", len(records))
}

func (w *Watcher) notify() {
	if w.onChange != nil {
		w.onChange()
	}
}

// Roster returns the roster being maintained.
func (w *Watcher) Roster() *Roster {
	return w.roster
}

// Close unsubscribes and waits for the watcher goroutine to exit.
// Safe to call more than once; must not be called from onChange.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.sub.Unsubscribe()
		w.wg.Wait()
	})
}
