package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// CreateRequest carries the arguments of CreateCondition.
type CreateRequest struct {
	Creator      common.Address
	Type         domain.ConditionType
	TriggerData  []byte
	PayoutAmount *big.Int
	PayoutToken  common.Address
	// Recipient receives the payout on execution. Zero means the creator.
	Recipient common.Address
	ExpiresAt time.Time
	// Value is the native currency attached to the call.
	Value *big.Int
}

// CreateCondition validates req, escrows the payout and records a new ACTIVE
// condition. It returns the new id.
func (e *Engine) CreateCondition(ctx context.Context, req CreateRequest) (uint64, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: create: %w", err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return 0, fmt.Errorf("engine: create: %w", err)
	}
	if req.Creator == (common.Address{}) {
		return 0, fmt.Errorf("engine: create: creator: %w", domain.ErrZeroAddress)
	}
	if req.PayoutAmount == nil || req.PayoutAmount.Sign() <= 0 {
		return 0, fmt.Errorf("engine: create: %w", domain.ErrZeroAmount)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: create: block time: %w", err)
	}
	if !req.ExpiresAt.After(now) {
		return 0, fmt.Errorf("engine: create: %w", domain.ErrExpirationNotFuture)
	}
	if !req.Type.Valid() {
		return 0, fmt.Errorf("engine: create: %w: unknown condition type %d", domain.ErrInvalidTrigger, uint8(req.Type))
	}
	if _, err := domain.DecodeTrigger(req.Type, req.TriggerData); err != nil {
		return 0, fmt.Errorf("engine: create: %w", err)
	}
	if err := checkValue(req); err != nil {
		return 0, fmt.Errorf("engine: create: %w", err)
	}

	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Creator
	}

	id := e.counter + 1
	c := &domain.Condition{
		ID:           id,
		Creator:      req.Creator,
		Recipient:    recipient,
		Type:         req.Type,
		TriggerData:  append([]byte(nil), req.TriggerData...),
		PayoutAmount: new(big.Int).Set(req.PayoutAmount),
		PayoutToken:  req.PayoutToken,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    req.ExpiresAt.UTC(),
	}

	e.counter = id
	e.conditions[id] = c
	e.byCreator[req.Creator] = append(e.byCreator[req.Creator], id)
	undo := func() {
		delete(e.conditions, id)
		ids := e.byCreator[req.Creator]
		if len(ids) == 1 {
			delete(e.byCreator, req.Creator)
		} else {
			e.byCreator[req.Creator] = ids[:len(ids)-1]
		}
		e.counter = id - 1
	}

	if err := e.vault.Pull(ctx, c.PayoutToken, c.Creator, c.PayoutAmount); err != nil {
		undo()
		return 0, fmt.Errorf("engine: create: escrow: %w", transferError(err))
	}

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventConditionCreated,
		ConditionID: id,
		Actor:       c.Creator,
		Amount:      new(big.Int).Set(c.PayoutAmount),
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
	}); err != nil {
		undo()
		return 0, fmt.Errorf("engine: create: %w", err)
	}

	e.logger.InfoContext(ctx, "condition created",
		slog.Uint64("id", id),
		slog.String("creator", c.Creator.Hex()),
		slog.String("type", c.Type.String()),
		slog.String("amount", c.PayoutAmount.String()),
		slog.String("token", c.PayoutToken.Hex()),
	)
	return id, nil
}

// checkValue enforces that native payouts attach exactly the payout amount
// and token payouts attach nothing.
func checkValue(req CreateRequest) error {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return domain.ErrIncorrectValue
	}
	if req.PayoutToken != domain.NativeToken {
		if value.Sign() != 0 {
			return fmt.Errorf("%w: native value attached to a token payout", domain.ErrIncorrectValue)
		}
		return nil
	}
	switch value.Cmp(req.PayoutAmount) {
	case -1:
		return domain.ErrInsufficientValue
	case 1:
		return fmt.Errorf("%w: attached %s, payout %s", domain.ErrIncorrectValue, value, req.PayoutAmount)
	}
	return nil
}

// ExecuteCondition settles a met, unexpired ACTIVE condition: it marks the
// record EXECUTED and then pays the recipient. Anyone may call it.
func (e *Engine) ExecuteCondition(ctx context.Context, caller common.Address, id uint64) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: execute %d: %w", id, err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return fmt.Errorf("engine: execute %d: %w", id, err)
	}
	c, err := e.get(id)
	if err != nil {
		return fmt.Errorf("engine: execute: %w", err)
	}
	if c.Status != domain.StatusActive {
		return fmt.Errorf("engine: execute %d: %w (status %s)", id, domain.ErrNotActive, c.Status)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return fmt.Errorf("engine: execute %d: block time: %w", id, err)
	}
	if now.After(c.ExpiresAt) {
		return fmt.Errorf("engine: execute %d: %w", id, domain.ErrExpired)
	}
	met, err := e.evaluate(ctx, c)
	if err != nil {
		return fmt.Errorf("engine: execute %d: evaluate: %w", id, err)
	}
	if !met {
		return fmt.Errorf("engine: execute %d: %w", id, domain.ErrNotMet)
	}

	prev := c.Clone()
	executedAt := now
	c.Status = domain.StatusExecuted
	c.ExecutedAt = &executedAt
	c.Executor = caller

	if err := e.vault.Push(ctx, c.PayoutToken, c.Recipient, c.PayoutAmount); err != nil {
		*c = prev
		return fmt.Errorf("engine: execute %d: payout: %w", id, transferError(err))
	}

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventConditionExecuted,
		ConditionID: id,
		Actor:       caller,
		Amount:      new(big.Int).Set(c.PayoutAmount),
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
	}); err != nil {
		*c = prev
		return fmt.Errorf("engine: execute %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "condition executed",
		slog.Uint64("id", id),
		slog.String("executor", caller.Hex()),
		slog.String("recipient", c.Recipient.Hex()),
		slog.String("amount", c.PayoutAmount.String()),
	)
	return nil
}

// CancelCondition refunds the creator of an ACTIVE condition and marks it
// CANCELLED. Only the creator may cancel.
func (e *Engine) CancelCondition(ctx context.Context, caller common.Address, id uint64) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: cancel %d: %w", id, err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return fmt.Errorf("engine: cancel %d: %w", id, err)
	}
	c, err := e.get(id)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	if c.Status != domain.StatusActive {
		return fmt.Errorf("engine: cancel %d: %w (status %s)", id, domain.ErrNotActive, c.Status)
	}
	if caller != c.Creator {
		return fmt.Errorf("engine: cancel %d: %w", id, domain.ErrNotCreator)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return fmt.Errorf("engine: cancel %d: block time: %w", id, err)
	}

	c.Status = domain.StatusCancelled
	if err := e.vault.Push(ctx, c.PayoutToken, c.Creator, c.PayoutAmount); err != nil {
		c.Status = domain.StatusActive
		return fmt.Errorf("engine: cancel %d: refund: %w", id, transferError(err))
	}

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventConditionCancelled,
		ConditionID: id,
		Actor:       caller,
		Amount:      new(big.Int).Set(c.PayoutAmount),
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
	}); err != nil {
		c.Status = domain.StatusActive
		return fmt.Errorf("engine: cancel %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "condition cancelled",
		slog.Uint64("id", id),
		slog.String("creator", c.Creator.Hex()),
	)
	return nil
}

// MarkExpired records that an ACTIVE condition passed its deadline. It moves
// no funds; the creator recovers them with ReclaimExpired.
func (e *Engine) MarkExpired(ctx context.Context, caller common.Address, id uint64) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: mark expired %d: %w", id, err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return fmt.Errorf("engine: mark expired %d: %w", id, err)
	}
	c, err := e.get(id)
	if err != nil {
		return fmt.Errorf("engine: mark expired: %w", err)
	}
	if c.Status != domain.StatusActive {
		return fmt.Errorf("engine: mark expired %d: %w (status %s)", id, domain.ErrNotActive, c.Status)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return fmt.Errorf("engine: mark expired %d: block time: %w", id, err)
	}
	if !now.After(c.ExpiresAt) {
		return fmt.Errorf("engine: mark expired %d: %w", id, domain.ErrNotExpiredYet)
	}

	c.Status = domain.StatusExpired

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventConditionExpired,
		ConditionID: id,
		Actor:       caller,
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
	}); err != nil {
		c.Status = domain.StatusActive
		return fmt.Errorf("engine: mark expired %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "condition expired",
		slog.Uint64("id", id),
		slog.String("marked_by", caller.Hex()),
	)
	return nil
}

// ReclaimExpired refunds the creator of an EXPIRED condition, once.
func (e *Engine) ReclaimExpired(ctx context.Context, caller common.Address, id uint64) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: reclaim %d: %w", id, err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return fmt.Errorf("engine: reclaim %d: %w", id, err)
	}
	c, err := e.get(id)
	if err != nil {
		return fmt.Errorf("engine: reclaim: %w", err)
	}
	switch c.Status {
	case domain.StatusExpired:
	case domain.StatusActive:
		return fmt.Errorf("engine: reclaim %d: %w", id, domain.ErrNotExpiredYet)
	default:
		return fmt.Errorf("engine: reclaim %d: %w (status %s)", id, domain.ErrNotActive, c.Status)
	}
	if caller != c.Creator {
		return fmt.Errorf("engine: reclaim %d: %w", id, domain.ErrNotCreator)
	}
	if c.ReclaimedAt != nil {
		return fmt.Errorf("engine: reclaim %d: %w", id, domain.ErrAlreadyReclaimed)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return fmt.Errorf("engine: reclaim %d: block time: %w", id, err)
	}

	reclaimedAt := now
	c.ReclaimedAt = &reclaimedAt
	if err := e.vault.Push(ctx, c.PayoutToken, c.Creator, c.PayoutAmount); err != nil {
		c.ReclaimedAt = nil
		return fmt.Errorf("engine: reclaim %d: refund: %w", id, transferError(err))
	}

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventConditionReclaimed,
		ConditionID: id,
		Actor:       caller,
		Amount:      new(big.Int).Set(c.PayoutAmount),
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
	}); err != nil {
		c.ReclaimedAt = nil
		return fmt.Errorf("engine: reclaim %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "expired condition reclaimed",
		slog.Uint64("id", id),
		slog.String("creator", c.Creator.Hex()),
		slog.String("amount", c.PayoutAmount.String()),
	)
	return nil
}

// AddApproval records caller's approval of a MULTISIG_APPROVAL condition.
// Each account may approve a given condition once.
func (e *Engine) AddApproval(ctx context.Context, caller common.Address, id uint64) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: approve %d: %w", id, err)
	}
	defer unlock()

	if err := e.access.whenNotPaused(); err != nil {
		return fmt.Errorf("engine: approve %d: %w", id, err)
	}
	c, err := e.get(id)
	if err != nil {
		return fmt.Errorf("engine: approve: %w", err)
	}
	if c.Type != domain.ConditionMultisigApproval {
		return fmt.Errorf("engine: approve %d: %w", id, domain.ErrNotMultisig)
	}
	if c.Status != domain.StatusActive {
		return fmt.Errorf("engine: approve %d: %w (status %s)", id, domain.ErrNotActive, c.Status)
	}
	key := approvalKey{id: id, approver: caller}
	if _, ok := e.approvals[key]; ok {
		return fmt.Errorf("engine: approve %d: %w", id, domain.ErrAlreadyApproved)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		return fmt.Errorf("engine: approve %d: block time: %w", id, err)
	}

	e.approvals[key] = now
	e.approvalCounts[id]++
	c.Approvals = e.approvalCounts[id]

	snap := c.Clone()
	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:        domain.EventApprovalAdded,
		ConditionID: id,
		Actor:       caller,
		Token:       c.PayoutToken,
		At:          now,
		Condition:   &snap,
		Approval:    &domain.Approval{ConditionID: id, Approver: caller, ApprovedAt: now},
	}); err != nil {
		delete(e.approvals, key)
		e.approvalCounts[id]--
		if e.approvalCounts[id] == 0 {
			delete(e.approvalCounts, id)
		}
		c.Approvals = e.approvalCounts[id]
		return fmt.Errorf("engine: approve %d: %w", id, err)
	}

	e.logger.InfoContext(ctx, "approval added",
		slog.Uint64("id", id),
		slog.String("approver", caller.Hex()),
		slog.Uint64("count", c.Approvals),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// Pause engages the global kill switch. Owner only.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.admin(ctx, caller, "pause", domain.EventEnginePaused, func() error {
		if err := e.access.whenNotPaused(); err != nil {
			return err
		}
		e.access.paused = true
		return nil
	})
}

// Unpause releases the kill switch. Owner only.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.admin(ctx, caller, "unpause", domain.EventEngineUnpaused, func() error {
		if err := e.access.whenPaused(); err != nil {
			return err
		}
		e.access.paused = false
		return nil
	})
}

// TransferOwnership hands the owner role to newOwner. Owner only.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return e.admin(ctx, caller, "transfer ownership", domain.EventOwnershipTransferred, func() error {
		if newOwner == (common.Address{}) {
			return fmt.Errorf("new owner: %w", domain.ErrZeroAddress)
		}
		e.access.owner = newOwner
		return nil
	})
}

func (e *Engine) admin(ctx context.Context, caller common.Address, op string, kind domain.EventKind, apply func() error) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	if err := e.access.onlyOwner(caller); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	prev := e.access
	if err := apply(); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	now, err := e.chain.BlockTime(ctx)
	if err != nil {
		// The change is already applied and cannot fail; fall back to wall time
		// for the event timestamp.
		now = time.Now().UTC()
	}

	if err := e.commit(ctx, domain.ConditionEvent{
		Kind:  kind,
		Actor: caller,
		At:    now,
	}); err != nil {
		e.access = prev
		return fmt.Errorf("engine: %s: %w", op, err)
	}

	e.logger.InfoContext(ctx, "engine "+op,
		slog.String("caller", caller.Hex()),
		slog.String("owner", e.access.owner.Hex()),
		slog.Bool("paused", e.access.paused),
	)
	return nil
}
