package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

// ReplayGuard implements domain.ReplayGuard with SET NX, so every instance
// behind the same Redis sees the same claims.
type ReplayGuard struct {
	client *Client
}

// NewReplayGuard creates a ReplayGuard backed by c.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{client: c}
}

// Claim implements domain.ReplayGuard.
func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.Underlying().SetNX(ctx, g.client.Key("seen:"+key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return ok, nil
}
