// Package store implements the atomic workspace store: process-safe write
// primitives (atomic rename + directory fsync + workspace lock + per-file
// serialization) that every other subsystem sits on.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
)

const (
	defaultLockRetryInterval = 25 * time.Millisecond
	defaultLockTimeout       = 5 * time.Second
	defaultLockStaleAfter    = 2 * time.Minute
)

// Store owns the per-path write queues for one process. Tests can create
// many stores to simulate concurrent workspaces.
type Store struct {
	logger *log.Logger

	lockRetryInterval time.Duration
	lockTimeout       time.Duration
	lockStaleAfter    time.Duration

	mu    sync.Mutex
	paths map[string]*sync.Mutex // cleaned absolute path -> write queue
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the workspace-lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLockRetryInterval sets the workspace-lock retry interval.
func WithLockRetryInterval(d time.Duration) Option {
	return func(s *Store) { s.lockRetryInterval = d }
}

// WithLockStaleAfter sets the age after which a lock whose owner pid is
// dead is considered stale and removed.
func WithLockStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.lockStaleAfter = d }
}

// New returns a Store.
func New(logger *log.Logger, opts ...Option) *Store {
	s := &Store{
		logger:            logger,
		lockRetryInterval: defaultLockRetryInterval,
		lockTimeout:       defaultLockTimeout,
		lockStaleAfter:    defaultLockStaleAfter,
		paths:             make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WriteOptions controls locking behavior for a single write.
type WriteOptions struct {
	// WorkspaceLock acquires the cross-process advisory lock for the
	// enclosing workspace. Writers of canonical records want this;
	// append-only streams usually do not.
	WorkspaceLock bool
}

// pathQueue returns the serialization mutex for a cleaned absolute path,
// creating it on first use. Concurrent callers within one process never
// interleave atomic writes to the same file.
func (s *Store) pathQueue(abs string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.paths[abs]
	if !ok {
		m = &sync.Mutex{}
		s.paths[abs] = m
	}
	return m
}

// ResetForTest drops all per-path queues, simulating a process restart.
func (s *Store) ResetForTest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = make(map[string]*sync.Mutex)
}

// WriteAtomic writes data to path via a temp file in the same directory:
// write, fsync, rename onto the target, fsync the directory. The temp
// file is unlinked on any failure, so a reader only ever observes the
// pre-state or the post-state.
func (s *Store) WriteAtomic(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	const op = "store.write_atomic"
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	q := s.pathQueue(abs)
	q.Lock()
	defer q.Unlock()

	if opts.WorkspaceLock {
		release, err := s.acquireWorkspaceLockFor(ctx, abs)
		if err != nil {
			return err
		}
		defer release()
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}

	tmp := filepath.Join(dir, tempName(filepath.Base(abs)))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := syncDir(dir); err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	return nil
}

// AppendAtomic appends data to path: open-append-write-fsync-close, then
// fsync the containing directory. Appends do not take the workspace lock
// unless asked to.
func (s *Store) AppendAtomic(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	const op = "store.append_atomic"
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	q := s.pathQueue(abs)
	q.Lock()
	defer q.Unlock()

	if opts.WorkspaceLock {
		release, err := s.acquireWorkspaceLockFor(ctx, abs)
		if err != nil {
			return err
		}
		defer release()
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := f.Close(); err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	if err := syncDir(dir); err != nil {
		return domain.E(domain.CodeIOError, op, err)
	}
	return nil
}

// PathExists is a stat-based existence probe.
func (s *Store) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads a whole file.
func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.E(domain.CodeIOError, "store.read_file", err)
	}
	return data, nil
}

// EnsureDir creates a directory (and parents) if missing.
func (s *Store) EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.E(domain.CodeIOError, "store.ensure_dir", err)
	}
	return nil
}

// WriteYAML marshals v and writes it atomically.
func (s *Store) WriteYAML(ctx context.Context, path string, v any, opts WriteOptions) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return domain.E(domain.CodeSchemaInvalid, "store.write_yaml", err)
	}
	return s.WriteAtomic(ctx, path, data, opts)
}

// ReadYAML reads path and unmarshals into v.
func (s *Store) ReadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.E(domain.CodeIOError, "store.read_yaml", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return domain.E(domain.CodeSchemaInvalid, "store.read_yaml", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

// FindWorkspaceRoot walks upward from path until a directory containing
// company/company.yaml is found. Returns ("", false) for standalone files
// outside any workspace.
func FindWorkspaceRoot(path string) (string, bool) {
	dir := path
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "company", "company.yaml")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func tempName(base string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf(".%s.tmp-%d-%d-%s", base, os.Getpid(), time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}

// syncDir fsyncs a directory so a rename or append is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
