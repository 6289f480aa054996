package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcompany/agentcompany/internal/domain"
)

const observerPollInterval = 10 * time.Second

// Observer tails registered events files and republishes envelopes that
// were appended by other processes, so bus subscribers see cross-process
// appends too. Subscribers may receive duplicates of envelopes already
// published by the in-process Log.
type Observer struct {
	bus    *Bus
	logger *log.Logger

	mu      sync.Mutex
	offsets map[string]int64 // abs path -> bytes already delivered
	watcher *fsnotify.Watcher

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewObserver returns an Observer publishing to bus.
func NewObserver(bus *Bus, logger *log.Logger) *Observer {
	return &Observer{
		bus:     bus,
		logger:  logger,
		offsets: make(map[string]int64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Watch registers an events file. The current content counts as already
// delivered; only future appends are republished.
func (o *Observer) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.offsets[abs]; ok {
		return nil
	}
	var offset int64
	if info, err := os.Stat(abs); err == nil {
		offset = info.Size()
	}
	o.offsets[abs] = offset
	if o.watcher != nil {
		if err := o.watcher.Add(filepath.Dir(abs)); err != nil {
			o.logger.Printf("eventlog observer: watch %s failed (%v), polling only", abs, err)
		}
	}
	return nil
}

// Start runs the observer loop until ctx is cancelled or Stop is called.
// If fsnotify fails to initialize, the observer degrades to poll-only.
func (o *Observer) Start(ctx context.Context) {
	defer close(o.doneCh)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.logger.Printf("eventlog observer: fsnotify init failed (%v), using poll-only", err)
	} else {
		o.mu.Lock()
		o.watcher = watcher
		for abs := range o.offsets {
			if err := watcher.Add(filepath.Dir(abs)); err != nil {
				o.logger.Printf("eventlog observer: watch %s failed: %v", abs, err)
			}
		}
		o.mu.Unlock()
		defer watcher.Close()
	}

	ticker := time.NewTicker(observerPollInterval)
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			o.deliverNew(ev.Name)
		case _, ok := <-errs:
			if !ok {
				return
			}
		case <-ticker.C:
			o.deliverAll()
		}
	}
}

// Stop signals the observer to stop. Call after cancelling the Start ctx.
func (o *Observer) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

// CheckOnce scans all registered files once (for tests or manual trigger).
func (o *Observer) CheckOnce() { o.deliverAll() }

func (o *Observer) deliverAll() {
	o.mu.Lock()
	paths := make([]string, 0, len(o.offsets))
	for p := range o.offsets {
		paths = append(paths, p)
	}
	o.mu.Unlock()
	for _, p := range paths {
		o.deliverNew(p)
	}
}

// deliverNew reads lines past the recorded offset and publishes each
// well-formed envelope.
func (o *Observer) deliverNew(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	o.mu.Lock()
	offset, ok := o.offsets[abs]
	o.mu.Unlock()
	if !ok {
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return
	}

	// Only complete lines count as delivered; a torn tail stays pending.
	consumed := int64(0)
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if !strings.HasSuffix(line, "\n") {
			break
		}
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			continue
		}
		o.bus.Publish(&env)
	}

	o.mu.Lock()
	o.offsets[abs] = offset + consumed
	o.mu.Unlock()
}
