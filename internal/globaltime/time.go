// Package globaltime is the process clock. Tests pin it with SetMockTime and
// move it with Advance; production code reads it through Now and UTC.
package globaltime

import (
	"sync"
	"time"
)

var (
	mu    sync.RWMutex
	fixed *time.Time
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	if fixed != nil {
		return *fixed
	}
	return time.Now()
}

func UTC() time.Time {
	return Now().UTC()
}

// Since is time.Since against the process clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	fixed = &t
}

// Advance moves a pinned clock forward by d. An unpinned clock is pinned at
// the current wall time first.
func Advance(d time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if fixed == nil {
		now := time.Now()
		fixed = &now
	}
	next := fixed.Add(d)
	fixed = &next
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	fixed = nil
}
