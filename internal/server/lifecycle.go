package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned by Stop and Status when no lock file
// exists.
var ErrNotRunning = fmt.Errorf("the server is not running")

// Lock is the daemon's singleton guard. Creation is exclusive; a
// second daemon pointed at the same lock file fails to start.
type Lock struct {
	path string
}

// AcquireLock creates the lock file with the daemon's pid. A stale
// lock, one whose pid no longer exists, is replaced.
func AcquireLock(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		pid, readErr := readLockPid(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("another instance is running with pid %d (lock file %s)", pid, path)
		}
		log.Printf("removing stale lock file %s", path)
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not acquire lock file %s", path)
}

// Renew keeps the lock's mtime fresh so operators can tell a live
// daemon from a crashed one. It returns when ctx is cancelled.
func (l *Lock) Renew(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if err := os.Chtimes(l.path, now, now); err != nil {
				log.Printf("could not renew lock file %s: %v", l.path, err)
			}
		}
	}
}

func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Printf("could not remove lock file %s: %v", l.path, err)
	}
}

// Stop signals the running daemon named by the lock file.
func Stop(lockFile string) error {
	pid, err := readLockPid(lockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return err
	}
	if !processAlive(pid) {
		return ErrNotRunning
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Status reports the pid of the running daemon, or ErrNotRunning.
func Status(lockFile string) (int, error) {
	pid, err := readLockPid(lockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !processAlive(pid) {
		return 0, ErrNotRunning
	}
	return pid, nil
}

// DropPrivileges switches the process to the named account. It is a
// no-op for an empty username or when the process already runs as that
// user; anything else requires root.
func DropPrivileges(username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("run_as_username: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("run_as_username: bad uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("run_as_username: bad gid %q: %w", u.Gid, err)
	}
	if os.Getuid() == uid {
		return nil
	}
	if os.Getuid() != 0 {
		return fmt.Errorf("run_as_username: cannot switch to %s without root", username)
	}
	// Group first; dropping uid first would lose the right to setgid.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("run_as_username: setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("run_as_username: setuid %d: %w", uid, err)
	}
	log.Printf("dropped privileges to %s (uid %d)", username, uid)
	return nil
}

// RedirectLog points the standard logger at the configured log file.
func RedirectLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return f, nil
}

func readLockPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s does not contain a pid: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
