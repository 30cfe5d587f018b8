package common

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
)

var unsafeLockNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// FileLock is an advisory flock-based job lock. Cron fires jobs on a fixed
// schedule with no coordinator, so overlapping runs of the same job and
// shard exclude each other through a lock file.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock builds a lock keyed by name under the system temp directory.
// The name usually encodes the job and its shard options so differently
// sharded runs do not block each other.
func NewFileLock(name string) *FileLock {
	safe := unsafeLockNameRegex.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, "_")
	return &FileLock{
		path: filepath.Join(os.TempDir(), "webtrack_"+safe+".lock"),
	}
}

// Path returns the lock file location.
func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock attempts to take the lock without blocking. A lock held elsewhere
// returns ErrLockBusy; the caller is expected to log and exit cleanly.
func (fl *FileLock) TryLock() error {
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return WrapError(err, "failed to open lock file "+fl.path)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if err == syscall.EWOULDBLOCK {
			return ErrLockBusy
		}
		return WrapError(err, "flock failed for "+fl.path)
	}

	fl.file = file
	return nil
}

// Unlock releases the lock. The lock file itself is left in place so a
// concurrent TryLock never races against its removal.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	closeErr := fl.file.Close()
	fl.file = nil
	if err != nil {
		return WrapError(err, "failed to release lock "+fl.path)
	}
	return closeErr
}
