package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/store"
)

const (
	defaultPersistDelay = 250 * time.Millisecond
	saveTimeout         = 5 * time.Second
)

// persister coalesces snapshot writes. A burst of schedule calls within
// one delay window becomes a single Save of the newest snapshot.
type persister struct {
	slot   *store.Slot
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending *domain.SessionState

	// saveMu is held for the duration of a physical write.
	saveMu sync.Mutex

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPersister(slot *store.Slot, delay time.Duration, logger *slog.Logger) *persister {
	if delay <= 0 {
		delay = defaultPersistDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		slot:   slot,
		delay:  delay,
		logger: logger,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// schedule records st as the newest snapshot and arms the write timer.
func (p *persister) schedule(st domain.SessionState) {
	p.mu.Lock()
	p.pending = &st
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer p.wg.Done()

	timer := time.NewTimer(p.delay)
	timer.Stop()
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
			if !armed {
				timer.Reset(p.delay)
				armed = true
			}
		case <-timer.C:
			armed = false
			ctx, cancel := context.WithTimeout(p.ctx, saveTimeout)
			p.write(ctx)
			cancel()
		}
	}
}

// write saves the pending snapshot, if any. Failures are logged and dropped.
func (p *persister) write(ctx context.Context) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	st := p.pending
	p.pending = nil
	p.mu.Unlock()
	if st == nil {
		return
	}

	if err := p.slot.Save(ctx, st); err != nil {
		p.logger.Warn("session snapshot save failed", "slot", p.slot.Name(), "error", err)
		return
	}
	p.logger.Debug("session snapshot saved", "slot", p.slot.Name(), "messages", len(st.Messages))
}

// flush writes the pending snapshot now.
func (p *persister) flush(ctx context.Context) {
	p.write(ctx)
}

// discard drops the pending snapshot and waits out any write in progress,
// so a following Clear is not overwritten.
func (p *persister) discard() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	p.saveMu.Lock()
	p.saveMu.Unlock() //nolint:staticcheck // Empty section waits for an in-flight write.
}

// close stops the timer goroutine and flushes what is left.
func (p *persister) close(ctx context.Context) {
	p.cancel()
	p.wg.Wait()
	p.flush(ctx)
}
