// Package debounce batches and deduplicates file-change paths (C4) so a burst
// of editor saves becomes one notification to the backend instead of one per
// file. It is deliberately synchronous and single-owner: the proxy's main
// loop is the only caller, on every tick, so no locking is needed.
package debounce

import "time"

// Debouncer collects pending paths and reports when the debounce window has
// elapsed since the last flush.
type Debouncer struct {
	pending  map[string]struct{}
	lastFlush time.Time
	window   time.Duration
}

// New constructs a Debouncer with the given debounce window.
func New(window time.Duration) *Debouncer {
	return &Debouncer{
		pending:   make(map[string]struct{}),
		lastFlush: time.Now(),
		window:    window,
	}
}

// Add records path as pending; duplicates are no-ops.
func (d *Debouncer) Add(path string) {
	d.pending[path] = struct{}{}
}

// PendingCount reports how many distinct paths are waiting to be flushed.
func (d *Debouncer) PendingCount() int {
	return len(d.pending)
}

// ShouldFlush reports whether there is pending work and the debounce window
// has elapsed since the last flush.
func (d *Debouncer) ShouldFlush() bool {
	return len(d.pending) > 0 && time.Since(d.lastFlush) >= d.window
}

// Flush drains and returns the pending paths, resetting the window. Returns
// nil if there was nothing pending.
func (d *Debouncer) Flush() []string {
	if len(d.pending) == 0 {
		return nil
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = make(map[string]struct{})
	d.lastFlush = time.Now()
	return paths
}
