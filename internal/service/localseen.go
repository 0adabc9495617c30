package service

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.ReplayGuard = (*LocalReplayGuard)(nil)

// LocalReplayGuard is an in-process domain.ReplayGuard for single-instance
// deployments without Redis.
type LocalReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	nextSweep time.Time
	now       func() time.Time
}

// NewLocalReplayGuard creates an empty LocalReplayGuard.
func NewLocalReplayGuard() *LocalReplayGuard {
	return &LocalReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// Claim implements domain.ReplayGuard.
func (g *LocalReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.After(g.nextSweep) {
		for k, until := range g.seen {
			if !now.Before(until) {
				delete(g.seen, k)
			}
		}
		g.nextSweep = now.Add(ttl)
	}
	if until, ok := g.seen[key]; ok && now.Before(until) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}
