package conbuilder

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LayerLock is an advisory flock keyed by (tier, identifier). It must be held
// before any create or mount sequence on that identifier so concurrent
// invocations against the same cache root cannot race on directory creation,
// manifest writes or overlapping mounts.
type LayerLock struct {
	file *os.File
	path string
}

func lockPath(root string, tier Tier, id string) string {
	return filepath.Join(root, "locks", fmt.Sprintf("%s-%s.lock", tier, id))
}

// AcquireLayerLock blocks until the (tier, id) lock is held.
func AcquireLayerLock(root string, tier Tier, id string) (*LayerLock, error) {
	return acquire(root, tier, id, true)
}

// TryLayerLock acquires the lock without blocking. It returns nil when
// another session holds it; eviction uses this to skip in-flight layers.
func TryLayerLock(root string, tier Tier, id string) (*LayerLock, error) {
	return acquire(root, tier, id, false)
}

func acquire(root string, tier Tier, id string, block bool) (*LayerLock, error) {
	path := lockPath(root, tier, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if !block && err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("locking %s/%s: %w", tier, id, err)
	}
	return &LayerLock{file: f, path: path}, nil
}

// Release drops the lock. Safe to call on all exit paths.
func (l *LayerLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
