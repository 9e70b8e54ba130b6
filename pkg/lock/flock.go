package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

// FileLocker serializes builds of the same image via advisory file locks.
// Lock files are keyed by digest and live in a shared lock directory, so
// concurrent kiln processes on one host coordinate through the filesystem.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) AcquireLock(ctx context.Context, dgst digest.Digest) (Lock, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(filepath.Join(l.dir, dgst.Hex()+".lock"))

	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire build lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire build lock: lock not granted")
	}

	return &fileLock{fl: fl}, nil
}

type fileLock struct {
	fl *flock.Flock
}

func (l *fileLock) Release() error {
	return l.fl.Unlock()
}
