package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// sweepLockKey serialises sweeps across keeper instances.
const sweepLockKey = "keeper:sweep"

// KeeperEngine is the part of the engine the keeper drives.
type KeeperEngine interface {
	Active(ctx context.Context) []domain.Condition
	IsConditionMet(ctx context.Context, id uint64) (bool, error)
	ExecuteCondition(ctx context.Context, caller common.Address, id uint64) error
	MarkExpired(ctx context.Context, caller common.Address, id uint64) error
	Paused(ctx context.Context) bool
}

// BlockClock reports the current block time.
type BlockClock interface {
	BlockTime(ctx context.Context) (time.Time, error)
}

// KeeperConfig tunes the keeper.
type KeeperConfig struct {
	Interval     time.Duration
	MarkExpired  bool
	RetryBackoff time.Duration
	LockTTL      time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned  int
	Executed int
	Expired  int
	Pending  int
	Skipped  int
	Failed   int
}

// Keeper polls ACTIVE conditions and settles them: it marks past-deadline
// conditions expired and executes the ones whose trigger holds, acting as
// its own wallet address.
type Keeper struct {
	engine  KeeperEngine
	clock   BlockClock
	locks   domain.LockManager
	wallet  common.Address
	cfg     KeeperConfig
	backoff *Backoff
	logger  *slog.Logger
}

// NewKeeper creates a Keeper. locks may be nil for a single-instance
// deployment.
func NewKeeper(engine KeeperEngine, clock BlockClock, locks domain.LockManager, wallet common.Address, cfg KeeperConfig, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval * 2
	}
	return &Keeper{
		engine:  engine,
		clock:   clock,
		locks:   locks,
		wallet:  wallet,
		cfg:     cfg,
		backoff: NewBackoff(cfg.RetryBackoff),
		logger:  logger.With(slog.String("component", "keeper"), slog.String("wallet", wallet.Hex())),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started",
		slog.Duration("interval", k.cfg.Interval),
		slog.Bool("mark_expired", k.cfg.MarkExpired),
	)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := k.Sweep(ctx); err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		}
		k.backoff.Cleanup()

		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep makes one pass over the ACTIVE conditions. It returns a zero result
// when another keeper holds the sweep lock or the engine is paused.
func (k *Keeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, sweepLockKey, k.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "sweep lock held elsewhere")
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("keeper: sweep lock: %w", err)
		}
		defer unlock()
	}
	if k.engine.Paused(ctx) {
		k.logger.DebugContext(ctx, "engine paused, sweep skipped")
		return res, nil
	}

	now, err := k.clock.BlockTime(ctx)
	if err != nil {
		return res, fmt.Errorf("keeper: block time: %w", err)
	}

	for _, c := range k.engine.Active(ctx) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		if k.backoff.Blocked(c.ID) {
			res.Skipped++
			continue
		}
		k.settle(ctx, c, now, &res)
	}

	if res.Executed > 0 || res.Expired > 0 || res.Failed > 0 {
		k.logger.InfoContext(ctx, "sweep complete",
			slog.Int("scanned", res.Scanned),
			slog.Int("executed", res.Executed),
			slog.Int("expired", res.Expired),
			slog.Int("pending", res.Pending),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (k *Keeper) settle(ctx context.Context, c domain.Condition, now time.Time, res *SweepResult) {
	if now.After(c.ExpiresAt) {
		if !k.cfg.MarkExpired {
			res.Pending++
			return
		}
		if err := k.engine.MarkExpired(ctx, k.wallet, c.ID); err != nil {
			k.fail(ctx, c.ID, "mark expired", err, res)
			return
		}
		res.Expired++
		return
	}

	met, err := k.engine.IsConditionMet(ctx, c.ID)
	if err != nil {
		k.fail(ctx, c.ID, "evaluate", err, res)
		return
	}
	if !met {
		res.Pending++
		return
	}
	if err := k.engine.ExecuteCondition(ctx, k.wallet, c.ID); err != nil {
		// Another caller may have settled it first, or a balance trigger
		// flipped back; neither is a keeper failure.
		if errors.Is(err, domain.ErrNotActive) || errors.Is(err, domain.ErrNotMet) {
			res.Pending++
			return
		}
		k.fail(ctx, c.ID, "execute", err, res)
		return
	}
	k.backoff.Clear(c.ID)
	res.Executed++
}

func (k *Keeper) fail(ctx context.Context, id uint64, op string, err error, res *SweepResult) {
	res.Failed++
	k.backoff.Fail(id)
	k.logger.WarnContext(ctx, "keeper "+op+" failed",
		slog.Uint64("condition_id", id),
		slog.Duration("retry_in", k.cfg.RetryBackoff),
		slog.String("error", err.Error()),
	)
}
