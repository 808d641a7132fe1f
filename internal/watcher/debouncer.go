package watcher

import (
	"sort"
	"sync"
	"time"
)

// BatchDebouncer collects events and emits them once a quiet period has
// passed. Events for the same path coalesce; the latest one wins.
type BatchDebouncer struct {
	delay   time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	events  map[string]Event
	emit    func([]Event)
	emits   sync.WaitGroup
	stopped bool
}

// NewBatchDebouncer creates a new batch debouncer
func NewBatchDebouncer(delay time.Duration, emit func([]Event)) *BatchDebouncer {
	return &BatchDebouncer{
		delay:  delay,
		events: make(map[string]Event),
		emit:   emit,
	}
}

// Add records an event and restarts the quiet period.
func (b *BatchDebouncer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.events[event.Path] = event

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
}

// flush emits collected events ordered by path. The emit is registered
// under the lock so Stop either sees it and waits, or prevents it.
func (b *BatchDebouncer) flush() {
	b.mu.Lock()
	if b.stopped || len(b.events) == 0 || b.emit == nil {
		b.events = make(map[string]Event)
		b.timer = nil
		b.mu.Unlock()
		return
	}
	events := make([]Event, 0, len(b.events))
	for _, ev := range b.events {
		events = append(events, ev)
	}
	b.events = make(map[string]Event)
	b.timer = nil
	b.emits.Add(1)
	b.mu.Unlock()
	defer b.emits.Done()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	b.emit(events)
}

// Cancel drops pending events without emitting them.
func (b *BatchDebouncer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.events = make(map[string]Event)
}

// Stop drops pending events, refuses new ones and waits for an emit that is
// already running to return.
func (b *BatchDebouncer) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.events = make(map[string]Event)
	b.mu.Unlock()

	b.emits.Wait()
}

// Flush immediately emits any pending events
func (b *BatchDebouncer) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
}

// EventCount returns the number of distinct pending paths.
func (b *BatchDebouncer) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
