package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/steward/internal/domain"
)

var errNoBalanceReader = errors.New("no balance reader configured")

// evaluate decides whether c's trigger holds against the current chain
// state. Callers must hold a lock.
func (e *Engine) evaluate(ctx context.Context, c *domain.Condition) (bool, error) {
	trig, err := domain.DecodeTrigger(c.Type, c.TriggerData)
	if err != nil {
		return false, err
	}
	switch t := trig.(type) {
	case domain.TimeTrigger:
		return e.evalTime(ctx, t)
	case domain.BlockTrigger:
		return e.evalBlock(ctx, t)
	case domain.BalanceTrigger:
		return e.evalBalance(ctx, t)
	case domain.ApprovalTrigger:
		return e.evalApprovals(c.ID, t), nil
	default:
		return false, fmt.Errorf("%w: unsupported trigger %T", domain.ErrInvalidTrigger, trig)
	}
}

func (e *Engine) evalTime(ctx context.Context, t domain.TimeTrigger) (bool, error) {
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return false, fmt.Errorf("block time: %w", err)
	}
	return !now.Before(t.At), nil
}

func (e *Engine) evalBlock(ctx context.Context, t domain.BlockTrigger) (bool, error) {
	height, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	return height >= t.Height, nil
}

// evalBalance reads the balance live; the answer can change between calls.
func (e *Engine) evalBalance(ctx context.Context, t domain.BalanceTrigger) (bool, error) {
	if e.balances == nil {
		return false, errNoBalanceReader
	}
	bal, err := e.balances.BalanceOf(ctx, t.Token, t.Account)
	if err != nil {
		return false, fmt.Errorf("balance of %s on %s: %w", t.Account.Hex(), t.Token.Hex(), err)
	}
	return bal.Cmp(t.MinBalance) >= 0, nil
}

func (e *Engine) evalApprovals(id uint64, t domain.ApprovalTrigger) bool {
	return e.approvalCounts[id] >= t.Required
}
