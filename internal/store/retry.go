package store

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// retryOnContention wraps a write operation with retries for transient
// SQLite errors (BUSY, LOCKED). The busy_timeout pragma handles most
// cases at the connection level; this covers the fallthrough.
func retryOnContention(fn func() error) error {
	var err error
	delay := defaultRetryConfig.baseDelay
	for attempt := 0; attempt <= defaultRetryConfig.maxRetries; attempt++ {
		if err = fn(); err == nil || !isTransientSQLiteErr(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > defaultRetryConfig.maxDelay {
			delay = defaultRetryConfig.maxDelay
		}
	}
	return err
}

// isTransientSQLiteErr matches lock contention errors worth retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
