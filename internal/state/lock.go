package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessLock guards the state directory against concurrent daemons using a
// pid file held under an exclusive flock. The kernel releases the flock when
// the holder dies, so a stale pid file from a crashed daemon never blocks a
// new one.
type ProcessLock struct {
	path string
	file *os.File
}

// AcquireLock takes the daemon lock for dir. It fails when another live
// process holds it, reporting that process's pid.
func AcquireLock(dir string) (*ProcessLock, error) {
	path := filepath.Join(dir, "pulse.pid")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readPid(f)
		f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("another pulse daemon is running (pid %d)", holder)
		}
		return nil, fmt.Errorf("state directory %s is locked by another process", dir)
	}

	// Lock acquired; any pid left in the file belongs to a dead process.
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync pid file: %w", err)
	}

	return &ProcessLock{path: path, file: f}, nil
}

// Release drops the lock and removes the pid file.
func (l *ProcessLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Path returns the pid file path.
func (l *ProcessLock) Path() string { return l.path }

func readPid(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
