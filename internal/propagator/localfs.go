package propagator

import (
	"os"
	"time"

	"github.com/gofrs/flock"
)

// FileSystem is the set of local checks the upload job runs around each request.
type FileSystem interface {
	FileExists(path string) bool
	IsFileLocked(path string) bool
	VerifyFileUnchanged(path string, size int64, modTime time.Time) bool
	Stat(path string) (os.FileInfo, error)
}

// LocalFS checks the real filesystem. Locks are detected with a non-blocking shared flock.
type LocalFS struct{}

func (LocalFS) FileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (LocalFS) IsFileLocked(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	lock := flock.New(path)
	ok, err := lock.TryRLock()
	if err != nil {
		return false
	}
	if ok {
		_ = lock.Unlock()
	}
	return !ok
}

func (LocalFS) VerifyFileUnchanged(path string, size int64, modTime time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == size && info.ModTime().Equal(modTime)
}

func (LocalFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
