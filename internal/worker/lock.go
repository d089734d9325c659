package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another worker on this host holds the lock. The GPU
// service runs one job at a time, so a second local worker would only
// collect 503s.
var ErrLocked = errors.New("another worker is already running on this host")

// DefaultLockPath is shared by every worker on the host.
func DefaultLockPath() string {
	return filepath.Join(os.TempDir(), "transcriptctl-worker.lock")
}

// AcquireLock takes an exclusive file lock at path. An empty path disables locking.
func AcquireLock(path string) (release func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() { _ = lock.Unlock() }, nil
}
