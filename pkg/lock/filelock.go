//go:build !windows

// Package lock enforces single-instance operation through an exclusive
// file lock that the kernel releases when the process dies.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FileLock holds the exclusive lock plus a PID file so other invocations
// can signal the running instance.
type FileLock struct {
	lockFile string
	pidFile  string
	file     *os.File
	pid      int
}

// NewFileLock creates a lock rooted in the data directory.
func NewFileLock(dataDir string) *FileLock {
	return &FileLock{
		lockFile: filepath.Join(dataDir, "relaycode.lock"),
		pidFile:  filepath.Join(dataDir, "relaycode.pid"),
	}
}

// TryLock acquires the lock, failing immediately when another process holds
// it. On success the current PID is written next to the lock so a later
// `relaycode stop` can signal this process.
func (fl *FileLock) TryLock() error {
	var err error
	fl.file, err = os.OpenFile(fl.lockFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("lock already held: relaycode may already be running")
	}

	fl.pid = os.Getpid()
	if err := os.WriteFile(fl.pidFile, []byte(strconv.Itoa(fl.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Unlock releases the lock and removes both files. Safe to call multiple
// times; subsequent calls are no-ops.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	_ = unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	closeErr := fl.file.Close()
	fl.file = nil

	_ = os.Remove(fl.lockFile)
	_ = os.Remove(fl.pidFile)

	if closeErr != nil {
		return fmt.Errorf("failed to close lock file: %w", closeErr)
	}
	return nil
}

// IsLocked reports whether any process, including this one, currently holds
// the lock.
func (fl *FileLock) IsLocked() bool {
	file, err := os.OpenFile(fl.lockFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false
}

// GetLockFilePath returns the lock file path for diagnostics.
func (fl *FileLock) GetLockFilePath() string {
	return fl.lockFile
}

// GetPID returns the PID recorded by the instance holding the lock.
func (fl *FileLock) GetPID() (int, error) {
	data, err := os.ReadFile(fl.pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return 0, fmt.Errorf("PID file is empty")
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in PID file: %w", err)
	}
	return pid, nil
}
