package store

import (
	"context"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
)

// lockPayload is the YAML body of the workspace lock file.
type lockPayload struct {
	PID        int    `yaml:"pid"`
	AcquiredAt string `yaml:"acquired_at"`
}

// acquireWorkspaceLockFor discovers the workspace enclosing path and takes
// its advisory lock. Standalone files outside any workspace skip locking.
func (s *Store) acquireWorkspaceLockFor(ctx context.Context, path string) (func(), error) {
	ws, ok := FindWorkspaceRoot(path)
	if !ok {
		return func() {}, nil
	}
	return s.AcquireWorkspaceLock(ctx, ws)
}

// AcquireWorkspaceLock takes the exclusive advisory lock rooted at
// <workspace>/.local/locks/workspace.write.lock by create-exclusive.
// It retries until the store's lock timeout, removing stale locks whose
// owner pid no longer exists. The returned func releases the lock.
func (s *Store) AcquireWorkspaceLock(ctx context.Context, workspace string) (func(), error) {
	const op = "store.workspace_lock"
	lockPath := domain.WorkspaceLockPath(workspace)
	if err := os.MkdirAll(domain.LocksDir(workspace), 0o755); err != nil {
		return nil, domain.E(domain.CodeIOError, op, err)
	}

	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload, _ := yaml.Marshal(lockPayload{
				PID:        os.Getpid(),
				AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
			})
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				if werr == nil {
					werr = cerr
				}
				return nil, domain.E(domain.CodeIOError, op, werr)
			}
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, domain.E(domain.CodeIOError, op, err)
		}

		s.removeIfStale(lockPath)

		if time.Now().After(deadline) {
			return nil, domain.Ef(domain.CodeLockTimeout, op, "workspace lock not acquired within %s", s.lockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, domain.E(domain.CodeLockTimeout, op, ctx.Err())
		case <-time.After(s.lockRetryInterval):
		}
	}
}

// removeIfStale deletes the lock file when it is older than the stale
// threshold and its recorded owner pid is no longer alive.
func (s *Store) removeIfStale(lockPath string) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < s.lockStaleAfter {
		return
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return
	}
	var p lockPayload
	if err := yaml.Unmarshal(data, &p); err == nil && p.PID > 0 && PIDAlive(p.PID) {
		return
	}
	if s.logger != nil {
		s.logger.Printf("store: removing stale workspace lock %s", lockPath)
	}
	_ = os.Remove(lockPath)
}

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
