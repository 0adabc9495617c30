// Package chain provides block context sources for the engine.
package chain

import (
	"context"
	"sync"
	"time"
)

// Local derives block context from the wall clock: block height advances one
// block per interval from genesis.
type Local struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewLocal creates a Local chain. A non-positive interval defaults to 12s.
func NewLocal(genesis time.Time, interval time.Duration) *Local {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &Local{genesis: genesis.UTC(), interval: interval, now: time.Now}
}

// BlockTime returns the current wall time truncated to whole seconds, the
// resolution of block timestamps.
func (l *Local) BlockTime(context.Context) (time.Time, error) {
	return l.now().UTC().Truncate(time.Second), nil
}

// BlockNumber returns the number of whole intervals since genesis.
func (l *Local) BlockNumber(context.Context) (uint64, error) {
	d := l.now().Sub(l.genesis)
	if d < 0 {
		return 0, nil
	}
	return uint64(d / l.interval), nil
}

// Manual is a chain whose time and height are set by hand.
type Manual struct {
	mu     sync.Mutex
	time   time.Time
	height uint64
}

// NewManual creates a Manual chain at the given time and height.
func NewManual(at time.Time, height uint64) *Manual {
	return &Manual{time: at.UTC(), height: height}
}

func (m *Manual) BlockTime(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.time, nil
}

func (m *Manual) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// Set moves the chain to the given time and height.
func (m *Manual) Set(at time.Time, height uint64) {
	m.mu.Lock()
	m.time = at.UTC()
	m.height = height
	m.mu.Unlock()
}

// Advance moves time forward by d and height forward by blocks.
func (m *Manual) Advance(d time.Duration, blocks uint64) {
	m.mu.Lock()
	m.time = m.time.Add(d)
	m.height += blocks
	m.mu.Unlock()
}
