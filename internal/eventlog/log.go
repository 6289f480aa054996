// Package eventlog implements the durable, hash-chained, append-only
// per-run event stream and the in-process bus fed by it.
package eventlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/store"
)

var processStart = time.Now()

// monotonicMS is the milliseconds since process start, used for
// ts_monotonic_ms ordering within one process lifetime.
func monotonicMS() int64 { return time.Since(processStart).Milliseconds() }

// fileChain serializes appends to one events file and caches its last hash.
type fileChain struct {
	mu     sync.Mutex
	loaded bool
	last   *string // last event_hash, nil for an empty file
}

// Log appends envelopes to events files, maintaining the hash chain.
// Appends per file are strictly ordered through a per-file single-writer
// queue; the last hash is cached per path and reloaded on the first
// append after a restart.
type Log struct {
	store  *store.Store
	logger *log.Logger
	bus    *Bus

	mu     sync.Mutex
	chains map[string]*fileChain
}

// New returns a Log writing through st and publishing to bus.
func New(st *store.Store, bus *Bus, logger *log.Logger) *Log {
	return &Log{store: st, logger: logger, bus: bus, chains: make(map[string]*fileChain)}
}

// Bus returns the bus this log publishes to.
func (l *Log) EventBus() *Bus { return l.bus }

// ResetForTest drops the last-hash cache and per-file queues, simulating
// a control-plane restart.
func (l *Log) ResetForTest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chains = make(map[string]*fileChain)
}

func (l *Log) chain(abs string) *fileChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chains[abs]
	if !ok {
		c = &fileChain{}
		l.chains[abs] = c
	}
	return c
}

// Append fills envelope defaults, links it into the file's hash chain,
// appends one canonical-JSON line, and publishes to the bus.
func (l *Log) Append(ctx context.Context, path string, env *domain.Envelope) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.E(domain.CodeIOError, "eventlog.append", err)
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = domain.EnvelopeSchemaVersion
	}
	if env.EventID == "" {
		env.EventID = domain.NewEventID()
	}
	if env.TSWallclock == "" {
		env.TSWallclock = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if env.TSMonotonicMS == 0 {
		env.TSMonotonicMS = monotonicMS()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.SessionRef
	}
	if env.Visibility == "" {
		env.Visibility = domain.VisibilityOrg
	}

	c := l.chain(abs)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		last, err := lastHashOnDisk(abs)
		if err != nil {
			return err
		}
		c.last = last
		c.loaded = true
	}

	env.PrevEventHash = c.last
	env.EventHash = ""
	body, err := CanonicalJSON(env, false)
	if err != nil {
		return domain.E(domain.CodeSchemaInvalid, "eventlog.append", err)
	}
	sum := sha256.Sum256(body)
	env.EventHash = hex.EncodeToString(sum[:])

	line, err := CanonicalJSON(env, true)
	if err != nil {
		return domain.E(domain.CodeSchemaInvalid, "eventlog.append", err)
	}
	if err := l.store.AppendAtomic(ctx, abs, append(line, '\n'), store.WriteOptions{}); err != nil {
		return err
	}
	h := env.EventHash
	c.last = &h

	if l.bus != nil {
		l.bus.Publish(env)
	}
	return nil
}

// EnsureRunFiles creates an empty events file and outputs directory for a
// run directory if missing.
func (l *Log) EnsureRunFiles(runDir string) error {
	if err := os.MkdirAll(filepath.Join(runDir, "outputs"), 0o755); err != nil {
		return domain.E(domain.CodeIOError, "eventlog.ensure_run_files", err)
	}
	eventsPath := filepath.Join(runDir, "events.jsonl")
	if _, err := os.Stat(eventsPath); os.IsNotExist(err) {
		f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return domain.E(domain.CodeIOError, "eventlog.ensure_run_files", err)
		}
		return f.Close()
	}
	return nil
}

// CanonicalJSON renders an envelope with sorted keys. When includeHash is
// false the event_hash field is omitted, which is the exact byte form the
// chain hashes.
func CanonicalJSON(env *domain.Envelope, includeHash bool) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if !includeHash {
		delete(m, "event_hash")
	}
	// encoding/json sorts map keys, which is all the canonical form needs.
	return json.Marshal(m)
}

// lastHashOnDisk returns the event_hash of the last parseable non-empty
// line of the file, or nil when the file is empty or missing. Malformed
// tail lines (torn writes from a crash) are skipped.
func lastHashOnDisk(path string) (*string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.E(domain.CodeIOError, "eventlog.load_chain", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, domain.E(domain.CodeIOError, "eventlog.load_chain", err)
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var env domain.Envelope
		if err := json.Unmarshal([]byte(lines[i]), &env); err != nil {
			continue // torn tail line
		}
		if env.EventHash == "" {
			continue
		}
		h := env.EventHash
		return &h, nil
	}
	return nil, nil
}

// ReadAll parses every well-formed envelope in an events file, skipping
// malformed lines. Returns the envelopes and the malformed-line count.
func ReadAll(path string) ([]domain.Envelope, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, domain.E(domain.CodeIOError, "eventlog.read_all", err)
	}
	defer f.Close()

	var out []domain.Envelope
	malformed := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			malformed++
			continue
		}
		out = append(out, env)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, domain.E(domain.CodeIOError, "eventlog.read_all", err)
	}
	return out, malformed, nil
}

// VerifyFile folds the hash chain of an events file and returns an error
// describing the first break, if any.
func VerifyFile(path string) error {
	envs, _, err := ReadAll(path)
	if err != nil {
		return err
	}
	var prev *string
	for i := range envs {
		env := envs[i]
		if (env.PrevEventHash == nil) != (prev == nil) ||
			(env.PrevEventHash != nil && prev != nil && *env.PrevEventHash != *prev) {
			return fmt.Errorf("verify %s: line %d prev_event_hash does not match predecessor", path, i+1)
		}
		want := env.EventHash
		env.EventHash = ""
		body, err := CanonicalJSON(&env, false)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("verify %s: line %d event_hash mismatch", path, i+1)
		}
		prev = &want
	}
	return nil
}
