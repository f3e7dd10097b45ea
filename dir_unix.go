// +build !windows

package sequoia

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type (
	// directoryLockGuard holds a lock on the database directory so that two processes cannot
	// open the same database at the same time.
	directoryLockGuard struct {
		file *os.File
		path string
	}
)

// acquireDirectoryLock opens (creating if necessary) the lock file inside the directory and takes
// an exclusive flock on it. It errors immediately, rather than blocking, if another process holds
// the lock.
func acquireDirectoryLock(directory string) (*directoryLockGuard, error) {
	path := filepath.Join(directory, lockFilename)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open lock file %q", path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "could not acquire lock on %q, is another process using this directory?", path)
	}

	return &directoryLockGuard{file: file, path: path}, nil
}

// release drops the directory lock. The guard must not be used afterwards.
func (g *directoryLockGuard) release() error {
	err := unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	if closeErr := g.file.Close(); err == nil {
		err = closeErr
	}
	g.file = nil
	return errors.Wrapf(err, "could not release lock on %q", g.path)
}
