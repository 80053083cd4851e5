// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteConflictError reports a SQLITE_BUSY or "database is locked" error.
// Both are transient lock conflicts that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times with 100ms, 200ms backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// or the attempts are used up. The delay doubles after every conflict.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var err error
	for i := 0; i < p.Attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) || i == p.Attempts-1 {
			return err
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("sqlite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
