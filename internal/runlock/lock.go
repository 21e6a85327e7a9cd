// Package runlock provides exclusive single-instance locking for the rigsd
// daemon: at most one rigsd process may own a workspace's Refinery and
// Depot state at a time.
package runlock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// localStateDirName is the relative path for transient rigsd state.
	localStateDirName = "_rigs/_local_state"
	// defaultLockFileName is the filename used when none is specified,
	// matching the single-daemon-per-workspace case.
	defaultLockFileName = "rigsd.lock"
	// runLockFileMode defines the permissions for the lock file.
	runLockFileMode = 0o644
	// localStateDirMode defines the permissions for the local state directory.
	localStateDirMode = 0o755
)

var ErrLockHeld = errors.New("run lock already held")

// Lock holds the acquired run lock file handle.
type Lock struct {
	file *os.File
	path string
}

// owner is the metadata a rigsd process stamps into a lock file, encoded as
// JSON so a stale or foreign lock can be diagnosed without a bespoke parser.
type owner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Acquire attempts to create and lock the named run lock file for the
// workspace. An empty name defaults to the single rigsd daemon lock; a
// caller locking a secondary resource (e.g. a per-provider Polecat
// singleton) may pass a distinct name to take an independent lock.
func Acquire(workspaceRoot, name string) (*Lock, error) {
	if workspaceRoot == "" {
		return nil, errors.New("workspace root is required")
	}
	if name == "" {
		name = defaultLockFileName
	}

	lockPath := filepath.Join(workspaceRoot, localStateDirName, name)
	if err := os.MkdirAll(filepath.Dir(lockPath), localStateDirMode); err != nil {
		return nil, fmt.Errorf("create run lock directory %s: %w", filepath.Dir(lockPath), err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, runLockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isLockBusy(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, describeCurrentOwner(lockPath))
		}
		return nil, fmt.Errorf("lock run lock %s: %w", lockPath, err)
	}

	existing, readErr := readOwner(lockPath)
	if readErr == nil && existing != nil {
		if verdict := existing.staleness(); verdict != ownerGone {
			_ = releaseFileLock(file)
			_ = file.Close()
			if verdict == ownerUnknownHost {
				return nil, fmt.Errorf("run lock %s was last held by pid %d on host %q since %s; that host is not this one, remove the lock file if that daemon is gone",
					lockPath, existing.PID, existing.Host, existing.StartedAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("run lock %s is held by a live process: pid %d since %s",
				lockPath, existing.PID, existing.StartedAt.Format(time.RFC3339))
		}
	} else if readErr != nil {
		_ = releaseFileLock(file)
		_ = file.Close()
		return nil, readErr
	}

	self := currentOwner()
	if err := self.writeTo(file); err != nil {
		_ = releaseFileLock(file)
		_ = file.Close()
		return nil, err
	}

	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the run lock file.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := releaseFileLock(lock.file); err != nil {
		_ = lock.file.Close()
		return err
	}
	if err := lock.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock %s: %w", lock.path, err)
	}
	return nil
}

// ownership classifies what an existing lock file's recorded owner means to
// the process currently trying to acquire it.
type ownership int

const (
	// ownerGone means the recorded pid no longer exists on this host, so
	// the lock is safe to steal.
	ownerGone ownership = iota
	// ownerAlive means the recorded pid is a live process on this host.
	ownerAlive
	// ownerUnknownHost means the lock was written from a different
	// hostname; liveness cannot be checked across machines, so the lock
	// is treated conservatively as held.
	ownerUnknownHost
)

func currentOwner() owner {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return owner{PID: os.Getpid(), Host: host, StartedAt: time.Now().UTC()}
}

// staleness decides whether o still describes a live owner of its lock.
func (o owner) staleness() ownership {
	host, err := os.Hostname()
	if err == nil && o.Host != "" && o.Host != host {
		return ownerUnknownHost
	}
	alive, err := processExists(o.PID)
	if err != nil || !alive {
		return ownerGone
	}
	return ownerAlive
}

func (o owner) writeTo(file *os.File) error {
	if file == nil {
		return errors.New("lock file is required")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode run lock owner: %w", err)
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return nil
}

// readOwner loads the owner recorded in lockPath, treating a missing or
// empty file as "no recorded owner" rather than an error.
func readOwner(lockPath string) (*owner, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run lock %s: %w", lockPath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("stale run lock at %s: unreadable owner metadata (%v); remove the lock file to continue", lockPath, err)
	}
	if o.PID <= 0 {
		return nil, fmt.Errorf("stale run lock at %s: missing pid; remove the lock file to continue", lockPath)
	}
	return &o, nil
}

func describeCurrentOwner(lockPath string) string {
	existing, err := readOwner(lockPath)
	if err != nil || existing == nil {
		return "wait for the other rigsd to finish"
	}
	return fmt.Sprintf("held by rigsd pid %d on %s since %s; wait for it to finish",
		existing.PID, existing.Host, existing.StartedAt.Format(time.RFC3339))
}

// processExists checks whether a PID appears to reference a running process
// on this host.
func processExists(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// releaseFileLock unlocks an advisory lock on the file.
func releaseFileLock(file *os.File) error {
	if file == nil {
		return nil
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock run lock: %w", err)
	}
	return nil
}

// isLockBusy returns true when the lock is already held by another process.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
