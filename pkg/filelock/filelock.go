// Package filelock takes advisory cross-process locks with gofrs/flock.
// Each call opens its own lock file descriptor, so goroutines in one process
// exclude each other the same way separate processes do.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 25 * time.Millisecond

// Release drops a lock taken by Exclusive or Shared.
type Release func() error

// Exclusive blocks until it holds an exclusive lock on path or ctx is done.
func Exclusive(ctx context.Context, path string) (Release, error) {
	return acquire(ctx, path, true)
}

// Shared blocks until it holds a shared lock on path or ctx is done.
func Shared(ctx context.Context, path string) (Release, error) {
	return acquire(ctx, path, false)
}

func acquire(ctx context.Context, path string, exclusive bool) (Release, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(path)
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(ctx, retryDelay)
	} else {
		ok, err = fl.TryRLockContext(ctx, retryDelay)
	}
	if err != nil {
		fl.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		fl.Close()
		return nil, fmt.Errorf("locking %s: not acquired", path)
	}
	return fl.Close, nil
}
