package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"pmdash/internal/config"
	"pmdash/internal/slogutil"
	"pmdash/internal/testutil"
)

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{EventCreate, "create"},
		{EventModify, "modify"},
		{EventDelete, "delete"},
		{EventRename, "rename"},
		{EventType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.eventType.String()
			if got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newWatcher(t *testing.T, fx *testutil.Fixture, debounceMs int, handler ChangeHandler) *Watcher {
	t.Helper()
	cfg := config.DefaultConfig().Watcher
	cfg.DebounceMs = debounceMs
	w, err := New(fx.Project, cfg, slogutil.NewDiscardLogger(), handler)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func TestWatcherIsIgnored(t *testing.T) {
	w := newWatcher(t, testutil.NewFixture(t), 10, nil)
	t.Cleanup(func() { _ = w.fsw.Close() })

	tests := []struct {
		path string
		want bool
	}{
		{"docs/plans/a.md", false},
		{"docs/plans/a.md.tmp", true},
		{"docs/.a.md.swp", true},
		{".git/HEAD", true},
		{".git", true},
		{".gitignore", false},
		{".pmdash/pmdash.db", true},
		{"node_modules/x/readme.md", true},
		{"docs/node_modules.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := w.IsIgnored(tt.path); got != tt.want {
				t.Errorf("IsIgnored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWatcherDisabled(t *testing.T) {
	fx := testutil.NewFixture(t)
	cfg := config.DefaultConfig().Watcher
	cfg.Enabled = false
	w, err := New(fx.Project, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return for a disabled watcher")
	}
	if w.Stats().Enabled {
		t.Error("Stats().Enabled = true")
	}
}

// collector gathers batches delivered to the handler.
type collector struct {
	mu   sync.Mutex
	seen map[string]bool
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool), ch: make(chan struct{}, 16)}
}

func (c *collector) handle(paths []string) {
	c.mu.Lock()
	for _, p := range paths {
		c.seen[p] = true
	}
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, path string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		c.mu.Lock()
		ok := c.seen[path]
		c.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("no change reported for %s", path)
		}
	}
}

func (c *collector) has(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[path]
}

func TestWatcherReportsDocumentChanges(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WriteDoc("docs/plans/a.md", "title: A", "")
	fx.WriteSession("s-1", "{}")

	c := newCollector()
	w := newWatcher(t, fx, 20, c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	waitWatching(t, w, "docs/plans")

	fx.WriteDoc("docs/plans/a.md", "title: A2", "")
	fx.Write("docs/plans/notes.txt", "ignored")
	c.waitFor(t, "docs/plans/a.md")

	fx.WriteDoc("docs/fresh/b.md", "title: B", "")
	c.waitFor(t, "docs/fresh/b.md")

	fx.WriteSession("s-1", "{}", "{}")
	c.waitFor(t, ".claude/sessions/s-1.jsonl")

	if c.has("docs/plans/notes.txt") {
		t.Error("non-document path was reported")
	}
	st := w.Stats()
	if st.Batches == 0 || st.Events == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func waitWatching(t *testing.T, w *Watcher, dir string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range w.WatchedDirs() {
			if d == dir {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s is not watched; dirs = %v", dir, w.WatchedDirs())
}

func TestBatchDebouncerCoalesces(t *testing.T) {
	var mu sync.Mutex
	var batches [][]Event

	b := NewBatchDebouncer(30*time.Millisecond, func(events []Event) {
		mu.Lock()
		batches = append(batches, events)
		mu.Unlock()
	})

	b.Add(Event{Type: EventCreate, Path: "docs/b.md"})
	b.Add(Event{Type: EventModify, Path: "docs/a.md"})
	b.Add(Event{Type: EventModify, Path: "docs/b.md"})
	if got := b.EventCount(); got != 2 {
		t.Errorf("EventCount() = %d, want 2", got)
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	got := batches[0]
	if len(got) != 2 || got[0].Path != "docs/a.md" || got[1].Path != "docs/b.md" {
		t.Fatalf("batch = %+v", got)
	}
	if got[1].Type != EventModify {
		t.Errorf("latest event should win, got %s", got[1].Type)
	}
}

func TestBatchDebouncerCancel(t *testing.T) {
	var mu sync.Mutex
	emitted := false
	b := NewBatchDebouncer(30*time.Millisecond, func([]Event) {
		mu.Lock()
		emitted = true
		mu.Unlock()
	})

	b.Add(Event{Path: "docs/a.md"})
	b.Cancel()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if emitted {
		t.Error("events emitted after Cancel")
	}
	if b.EventCount() != 0 {
		t.Errorf("EventCount() = %d after Cancel", b.EventCount())
	}
}

func TestBatchDebouncerFlush(t *testing.T) {
	var got []Event
	b := NewBatchDebouncer(time.Hour, func(events []Event) { got = events })

	b.Flush()
	if got != nil {
		t.Fatal("Flush with no events emitted a batch")
	}

	b.Add(Event{Path: "docs/a.md"})
	b.Flush()
	if len(got) != 1 || got[0].Path != "docs/a.md" {
		t.Errorf("Flush emitted %+v", got)
	}
}

func TestBatchDebouncerStopWaitsForEmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	b := NewBatchDebouncer(10*time.Millisecond, func([]Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
	})

	b.Add(Event{Path: "docs/a.md"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was never emitted")
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the batch was still being handled")
	case <-time.After(50 * time.Millisecond):
	}

	// Requeues from a handler that is finishing are dropped.
	b.Add(Event{Path: "docs/b.md"})
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the batch finished")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("emits = %d, want 1", calls)
	}
	if b.EventCount() != 0 {
		t.Errorf("EventCount() = %d after Stop", b.EventCount())
	}
}

func TestWatcherRunWaitsForHandler(t *testing.T) {
	fx := testutil.NewFixture(t)
	fx.WriteDoc("docs/seed.md", "", "seed\n")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w := newWatcher(t, fx, 20, func([]string) {
		once.Do(func() { close(entered) })
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	waitWatching(t, w, "docs")

	fx.WriteDoc("docs/new.md", "", "new\n")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never called")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while the handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
