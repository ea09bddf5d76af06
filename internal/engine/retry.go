package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Transient SQLite errors under concurrent writers: SQLITE_BUSY (5),
// SQLITE_LOCKED (6), and busy_timeout fallthrough. These resolve on retry;
// anything else surfaces immediately.
func isTransientStoreErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// withRetry runs fn, retrying transient store conflicts a bounded number of
// times with exponential backoff and jitter. Exhausted retries surface as
// ErrConcurrentModification. Non-transient errors return unchanged, so
// precondition failures are never retried.
func (e Engine) withRetry(fn func() error) error {
	retries := e.Config.Matching.ConflictRetries
	base := e.Config.Matching.ConflictRetryDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientStoreErr(lastErr) {
			return lastErr
		}
		if attempt < retries {
			delay := base << uint(attempt)
			delay += time.Duration(rand.Int63n(int64(base)))
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}
