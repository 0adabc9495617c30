package service

import (
	"sync"
	"time"
)

// Backoff suppresses retries of a condition for a fixed window after a
// failed attempt. It is safe for concurrent use.
type Backoff struct {
	mu    sync.Mutex
	until map[uint64]time.Time
	ttl   time.Duration
	now   func() time.Time
}

// NewBackoff creates a Backoff that skips a condition for ttl after Fail.
func NewBackoff(ttl time.Duration) *Backoff {
	return &Backoff{
		until: make(map[uint64]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Blocked reports whether id is still inside its backoff window.
func (b *Backoff) Blocked(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.until[id]
	return ok && b.now().Before(until)
}

// Fail starts a backoff window for id.
func (b *Backoff) Fail(id uint64) {
	b.mu.Lock()
	b.until[id] = b.now().Add(b.ttl)
	b.mu.Unlock()
}

// Clear forgets id.
func (b *Backoff) Clear(id uint64) {
	b.mu.Lock()
	delete(b.until, id)
	b.mu.Unlock()
}

// Cleanup drops elapsed windows. Call it periodically.
func (b *Backoff) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, until := range b.until {
		if !now.Before(until) {
			delete(b.until, id)
		}
	}
}

// Len returns the number of tracked windows.
func (b *Backoff) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.until)
}
