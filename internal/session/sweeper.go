package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/evalstream/internal/store"
)

// SweeperConfig tunes the idle-session sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// IdleTTL evicts live sessions without activity for this long.
	IdleTTL time.Duration
	// SlotTTL removes stored snapshots not written for this long.
	SlotTTL time.Duration
	// Slots is the snapshot store to clean. Nil skips slot cleanup.
	Slots store.SlotStore
	// OnEvict is called with the identity of each evicted session.
	OnEvict func(id string)
}

const (
	defaultSweepInterval = 5 * time.Minute
	defaultIdleTTL       = 30 * time.Minute
	defaultSlotTTL       = 7 * 24 * time.Hour
)

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = defaultSweepInterval
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.SlotTTL <= 0 {
		c.SlotTTL = defaultSlotTTL
	}
	return c
}

// StartSweeper periodically evicts idle sessions until ctx is done. The
// returned channel is closed when the sweeper has stopped.
func (m *Manager) StartSweeper(ctx context.Context, cfg SweeperConfig) <-chan struct{} {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		m.logger.Info("session sweeper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx, cfg)
			case <-ctx.Done():
				m.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep runs one eviction pass and returns the number of evicted sessions.
// Evicted sessions keep their stored snapshot and are restored on next use.
func (m *Manager) Sweep(ctx context.Context, cfg SweeperConfig) int {
	cfg = cfg.withDefaults()
	cutoff := time.Now().Add(-cfg.IdleTTL)

	m.mu.Lock()
	expired := make(map[string]*Session)
	for id, s := range m.sessions {
		if s.Busy() || s.LastActive().After(cutoff) {
			continue
		}
		expired[id] = s
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for id, s := range expired {
		m.logger.Info("session sweeper evicting idle session", "identity", id)
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("session sweeper failed to close session", "identity", id, "error", err)
		}
		if cfg.OnEvict != nil {
			cfg.OnEvict(id)
		}
	}
	if len(expired) > 0 {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "session sweeper cleanup completed",
			slog.Int("evicted", len(expired)),
			slog.Int("remaining", m.Len()),
		)
	}

	if cfg.Slots != nil {
		if deleted, err := cfg.Slots.CleanupStale(ctx, cfg.SlotTTL); err != nil {
			m.logger.Error("session sweeper failed to clean stale snapshots", "error", err)
		} else if deleted > 0 {
			m.logger.Info("session sweeper removed stale snapshots", "count", deleted)
		}
	}
	return len(expired)
}
