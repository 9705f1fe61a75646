//go:build unix

package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vectank.org/vectank-server/internal/errs"
)

// fileLock is an advisory flock on <prefix>.lock shared by every process
// that saves or loads the same prefix. f is nil when a reader found no lock
// file, meaning nothing was ever saved there.
type fileLock struct {
	f *os.File
}

// lockPrefix takes the lock. Only savers create the lock file; a shared lock
// on a prefix that has never been saved is a no-op.
func lockPrefix(path string, exclusive bool) (*fileLock, error) {
	flags := os.O_RDONLY
	if exclusive {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if !exclusive && errors.Is(err, fs.ErrNotExist) {
			return &fileLock{}, nil
		}
		return nil, fmt.Errorf("%w: open lock %s: %v", errs.ErrIOFailure, path, err)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: flock %s: %v", errs.ErrIOFailure, path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() error {
	if l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// syncDir makes completed renames in dir durable.
func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
