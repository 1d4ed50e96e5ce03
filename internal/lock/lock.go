// Package lock provides the exclusive per-project advisory lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock past the timeout.
var ErrLocked = errors.New("project is locked by another operation")

// retryDelay is how often a blocked Acquire retries.
const retryDelay = 50 * time.Millisecond

// Lock is a held project lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the exclusive lock at path, waiting up to timeout. A zero
// timeout tries once.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	fl := flock.New(path)

	if timeout <= 0 {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !ok {
			return nil, ErrLocked
		}
		return &Lock{fl: fl}, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("waited %s: %w", timeout, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}
