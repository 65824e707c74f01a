package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker locks {Dir}/{key}.lock with flock(2). Locks are held per open
// file description, so two FileLockers in the same process exclude each
// other just like two processes do.
type FileLocker struct {
	Dir string

	// Poll is the retry interval while the lock is contended.
	Poll time.Duration
}

// NewFileLocker creates a FileLocker rooted at dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Dir: dir, Poll: 50 * time.Millisecond}
}

// Path returns the lock file used for key.
func (l *FileLocker) Path(key string) string {
	return filepath.Join(l.Dir, key+".lock")
}

func (l *FileLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.Path(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	poll := l.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	var unlockErr error
	return func() error {
		once.Do(func() {
			unlockErr = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			if cerr := f.Close(); unlockErr == nil {
				unlockErr = cerr
			}
		})
		return unlockErr
	}, nil
}
