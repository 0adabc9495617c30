package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

// Both scripts act only while the key still holds the caller's token.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager implements domain.LockManager with SET NX and a token-checked
// release.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "lock")),
	}
}

func (lm *LockManager) lockKey(key string) string {
	return lm.client.Key("lock:" + key)
}

// Acquire takes the lock for ttl. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { lm.release(key, token) }) }, nil
}

// Hold takes the lock and keeps refreshing it every ttl/3 until the returned
// release func is called. lost is closed if the lock could not be refreshed;
// the holder must stop acting on it.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (release func(), lost <-chan struct{}, err error) {
	token, err := lm.acquire(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	lostCh := make(chan struct{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := lm.extend(key, token, ttl)
				if err != nil || !ok {
					attrs := []any{slog.String("key", key)}
					if err != nil {
						attrs = append(attrs, slog.String("error", err.Error()))
					}
					lm.logger.Error("lock lost", attrs...)
					close(lostCh)
					return
				}
			}
		}
	}()

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(stop)
			<-done
			lm.release(key, token)
		})
	}
	return release, lostCh, nil
}

func (lm *LockManager) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := lm.client.Underlying().SetNX(ctx, lm.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}
	return token, nil
}

func (lm *LockManager) extend(key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := lm.extendSc.Run(ctx, lm.client.Underlying(), []string{lm.lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: extend lock %s: %w", key, err)
	}
	return n == 1, nil
}

// release runs on a fresh context so it succeeds after the caller's context
// is cancelled.
func (lm *LockManager) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.unlockSc.Run(ctx, lm.client.Underlying(), []string{lm.lockKey(key)}, token).Err(); err != nil {
		lm.logger.Warn("lock release failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
