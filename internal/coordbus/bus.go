// Package coordbus carries small coordination signals between sibling agent
// processes sharing a state directory. The preferred transport watches the
// signal file for changes and delivers immediately; when a watcher cannot be
// created the bus degrades to polling the same file. Delivery is
// at-least-once and unordered across processes; consumers treat the payload
// as last-write-wins.
package coordbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"casewatch-agent/internal/logging"
)

const SignalRefreshed = "refreshed"

const pollInterval = time.Second

type Signal struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

type Bus interface {
	Publish(Signal)
	Subscribe(fn func(Signal)) (cancel func())
	Close() error
}

const signalFileName = "signals.json"

type fileBus struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	nextID      int
	subscribers map[int]func(Signal)
	seenAt      int64

	done      chan struct{}
	closeOnce sync.Once
}

// Open connects a bus to the shared state directory. A failed watcher
// silently falls back to the polling transport; the returned bus never
// fails to deliver locally published signals to the durable file.
func Open(dir string, logger *logging.Logger) (Bus, error) {
	if logger == nil {
		panic("coordbus.Open: logger must not be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	bus := &fileBus{
		path:        filepath.Join(dir, signalFileName),
		logger:      logger,
		subscribers: map[int]func(Signal){},
		done:        make(chan struct{}),
	}
	// Ignore any signal already on disk from a previous run.
	if signal, ok := bus.readSignal(); ok {
		bus.seenAt = signal.At
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(dir); addErr != nil {
			_ = watcher.Close()
			watcher = nil
			err = addErr
		}
	}
	if err != nil {
		logger.Debug("signal watcher unavailable, falling back to polling", logging.Field("error", err))
		watcher = nil
	}
	bus.watcher = watcher

	go bus.run()
	return bus, nil
}

func (b *fileBus) Publish(signal Signal) {
	payload, err := json.Marshal(signal)
	if err != nil {
		b.logger.Debug("signal encode failed", logging.Field("error", err))
		return
	}

	// Publishes are not delivered back to this process.
	b.mu.Lock()
	if signal.At > b.seenAt {
		b.seenAt = signal.At
	}
	b.mu.Unlock()

	if err := os.WriteFile(b.path, payload, 0o600); err != nil {
		b.logger.Debug("signal write failed", logging.Field("error", err))
	}
}

func (b *fileBus) Subscribe(fn func(Signal)) func() {
	if fn == nil {
		panic("coordbus.Subscribe: callback must not be nil")
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *fileBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

func (b *fileBus) run() {
	if b.watcher != nil {
		b.runWatch()
		return
	}
	b.runPoll()
}

func (b *fileBus) runWatch() {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			b.deliverPending()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Debug("signal watcher error", logging.Field("error", err))
		}
	}
}

func (b *fileBus) runPoll() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.deliverPending()
		}
	}
}

func (b *fileBus) deliverPending() {
	signal, ok := b.readSignal()
	if !ok {
		return
	}

	b.mu.Lock()
	if signal.At <= b.seenAt {
		b.mu.Unlock()
		return
	}
	b.seenAt = signal.At
	callbacks := make([]func(Signal), 0, len(b.subscribers))
	for _, cb := range b.subscribers {
		callbacks = append(callbacks, cb)
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(signal)
	}
}

func (b *fileBus) readSignal() (Signal, bool) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return Signal{}, false
	}
	signal := Signal{}
	if err := json.Unmarshal(data, &signal); err != nil {
		b.logger.Debug("discarding malformed signal payload", logging.Field("error", err))
		return Signal{}, false
	}
	if signal.At <= 0 {
		return Signal{}, false
	}
	return signal, true
}

type nopBus struct{}

// NewNop returns a bus that drops everything. Used when no shared state
// directory is available; the agent then behaves as a single process with no
// cross-process refresh dedup.
func NewNop() Bus { return nopBus{} }

func (nopBus) Publish(Signal)                {}
func (nopBus) Subscribe(func(Signal)) func() { return func() {} }
func (nopBus) Close() error                  { return nil }
