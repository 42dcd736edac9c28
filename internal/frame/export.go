package frame

import (
	"sync"
	"time"
)

// ExportBarrier is the export-in-progress flag. While it is set every
// FinishFrame blocks until the GPU has retired the frame before running
// removals, so an exporter reading back a texture never races its release.
//
// It is safe for use from any goroutine. The zero value is inactive.
type ExportBarrier struct {
	mu     sync.Mutex
	active bool
	since  time.Time
}

// BeginExport sets the flag. It returns false if an export was already in
// progress.
func (b *ExportBarrier) BeginExport() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return false
	}
	b.active = true
	b.since = time.Now()
	return true
}

// EndExport clears the flag. It returns false if no export was in progress.
func (b *ExportBarrier) EndExport() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return false
	}
	b.active = false
	b.since = time.Time{}
	return true
}

func (b *ExportBarrier) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Since returns when the current export began, or the zero time.
func (b *ExportBarrier) Since() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.since
}
