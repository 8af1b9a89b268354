package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrLockHeld is returned when another process holds the cache lock.
	ErrLockHeld = errors.New("session: cache lock held by another process")
)

const lockPollInterval = 50 * time.Millisecond

// CacheLock serialises writers of a cache directory, both within this process
// and across processes sharing the directory.
type CacheLock struct {
	path string
	mu   sync.Mutex
}

// NewCacheLock creates a lock guarding dir.
func NewCacheLock(dir string) *CacheLock {
	return &CacheLock{path: filepath.Join(dir, "LOCK")}
}

// Acquire blocks until the lock is held or ctx is done. The returned func
// releases it.
func (l *CacheLock) Acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	for {
		f, err := l.tryFlock()
		if err == nil {
			return func() {
				_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
				_ = f.Close()
				l.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			l.mu.Unlock()
			return nil, err
		}
		select {
		case <-ctx.Done():
			l.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrLockTimeout
			}
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *CacheLock) tryFlock() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))), 0)
	}
	return f, nil
}
