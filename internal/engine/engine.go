// Package engine implements the conditional-escrow core: it holds custody of
// escrowed funds, stores condition records, evaluates typed triggers and
// settles each condition exactly once.
//
// Calls are applied one at a time. Every mutating call either commits all of
// its state changes and transfers, or none of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// Chain exposes the block context a call executes in.
type Chain interface {
	BlockTime(ctx context.Context) (time.Time, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Vault moves funds in and out of the engine's custody account.
type Vault interface {
	// Address is the custody account funds are escrowed into.
	Address() common.Address
	// Pull escrows amount of token from the given account. For the native
	// token this debits the value attached to the call.
	Pull(ctx context.Context, token, from common.Address, amount *big.Int) error
	// Push releases amount of token from custody to the given account.
	Push(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// BalanceReader reads live token balances for TOKEN_BALANCE triggers.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// Emitter receives events for committed calls, in commit order.
type Emitter interface {
	Emit(ctx context.Context, ev domain.ConditionEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev domain.ConditionEvent)

// Emit calls f(ctx, ev).
func (f EmitterFunc) Emit(ctx context.Context, ev domain.ConditionEvent) { f(ctx, ev) }

type approvalKey struct {
	id       uint64
	approver common.Address
}

// Engine is the condition engine. The zero value is not usable; construct
// with New.
type Engine struct {
	mu sync.RWMutex

	chain    Chain
	vault    Vault
	balances  BalanceReader
	committer domain.Committer
	emitters  []Emitter
	logger    *slog.Logger

	access         accessControl
	counter        uint64
	conditions     map[uint64]*domain.Condition
	byCreator      map[common.Address][]uint64
	approvals      map[approvalKey]time.Time
	approvalCounts map[uint64]uint64
}

// New creates an Engine owned by owner. balances may be nil when no
// TOKEN_BALANCE conditions are expected; evaluating one then fails.
func New(owner common.Address, chain Chain, vault Vault, balances BalanceReader, logger *slog.Logger) *Engine {
	return &Engine{
		chain:          chain,
		vault:          vault,
		balances:       balances,
		logger:         logger.With(slog.String("component", "engine")),
		access:         accessControl{owner: owner},
		conditions:     make(map[uint64]*domain.Condition),
		byCreator:      make(map[common.Address][]uint64),
		approvals:      make(map[approvalKey]time.Time),
		approvalCounts: make(map[uint64]uint64),
	}
}

// WithEmitter registers an event receiver. Register emitters before the
// engine starts serving calls.
func (e *Engine) WithEmitter(em Emitter) *Engine {
	e.emitters = append(e.emitters, em)
	return e
}

// WithCommitter makes every mutating call store its changes through c before
// it returns. A call whose changes cannot be stored is undone, transfers
// included, and fails with domain.ErrCommitFailed.
func (e *Engine) WithCommitter(c domain.Committer) *Engine {
	e.committer = c
	return e
}

// CustodyAddress returns the account that holds escrowed funds.
func (e *Engine) CustodyAddress() common.Address {
	return e.vault.Address()
}

// commit stores the changes of the current call and then emits ev. It runs
// under the write lock, so receivers see events in commit order. When the
// store fails, the transfers made during the call are reversed; the caller
// restores its own records.
func (e *Engine) commit(ctx context.Context, ev domain.ConditionEvent) error {
	ev.State = e.state()
	if cs := domain.ChangeSetFrom(ctx); cs != nil && e.committer != nil {
		cs.Event = &ev
		if err := e.committer.Commit(ctx, cs); err != nil {
			cs.Rollback()
			e.logger.ErrorContext(ctx, "commit failed, call undone",
				slog.String("kind", string(ev.Kind)),
				slog.Uint64("condition_id", ev.ConditionID),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %w", domain.ErrCommitFailed, err)
		}
	}
	for _, em := range e.emitters {
		em.Emit(ctx, ev)
	}
	return nil
}

// get returns the live record; callers must hold the lock.
func (e *Engine) get(id uint64) (*domain.Condition, error) {
	c, ok := e.conditions[id]
	if !ok {
		return nil, fmt.Errorf("condition %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Condition returns a copy of the full record.
func (e *Engine) Condition(ctx context.Context, id uint64) (domain.Condition, error) {
	defer e.rlock(ctx)()
	c, err := e.get(id)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("engine: %w", err)
	}
	return c.Clone(), nil
}

// Status returns the current status of a condition.
func (e *Engine) Status(ctx context.Context, id uint64) (domain.ConditionStatus, error) {
	defer e.rlock(ctx)()
	c, err := e.get(id)
	if err != nil {
		return "", fmt.Errorf("engine: %w", err)
	}
	return c.Status, nil
}

// IsConditionMet evaluates the trigger of a condition against the current
// chain state. It has no side effects.
func (e *Engine) IsConditionMet(ctx context.Context, id uint64) (bool, error) {
	defer e.rlock(ctx)()
	c, err := e.get(id)
	if err != nil {
		return false, fmt.Errorf("engine: %w", err)
	}
	met, err := e.evaluate(ctx, c)
	if err != nil {
		return false, fmt.Errorf("engine: evaluate %d: %w", id, err)
	}
	return met, nil
}

// UserConditions lists the ids created by account, oldest first.
func (e *Engine) UserConditions(ctx context.Context, account common.Address) []uint64 {
	defer e.rlock(ctx)()
	ids := e.byCreator[account]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// Counter returns the number of conditions ever created. Ids run from 1 to
// Counter().
func (e *Engine) Counter(ctx context.Context) uint64 {
	defer e.rlock(ctx)()
	return e.counter
}

// ApprovalCount returns the recorded approvals for a condition.
func (e *Engine) ApprovalCount(ctx context.Context, id uint64) uint64 {
	defer e.rlock(ctx)()
	return e.approvalCounts[id]
}

// HasApproved reports whether approver has approved the condition.
func (e *Engine) HasApproved(ctx context.Context, id uint64, approver common.Address) bool {
	defer e.rlock(ctx)()
	_, ok := e.approvals[approvalKey{id: id, approver: approver}]
	return ok
}

// Owner returns the privileged account.
func (e *Engine) Owner(ctx context.Context) common.Address {
	defer e.rlock(ctx)()
	return e.access.owner
}

// Paused reports whether the kill switch is engaged.
func (e *Engine) Paused(ctx context.Context) bool {
	defer e.rlock(ctx)()
	return e.access.paused
}

// State returns the engine-wide state.
func (e *Engine) State(ctx context.Context) domain.EngineState {
	defer e.rlock(ctx)()
	return e.state()
}

func (e *Engine) state() domain.EngineState {
	return domain.EngineState{
		Owner:   e.access.owner,
		Paused:  e.access.paused,
		Counter: e.counter,
	}
}

// Active returns copies of all ACTIVE conditions ordered by id.
func (e *Engine) Active(ctx context.Context) []domain.Condition {
	defer e.rlock(ctx)()
	var out []domain.Condition
	for _, c := range e.conditions {
		if c.Status == domain.StatusActive {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EscrowedTotal returns the sum of payouts over ACTIVE conditions in token.
// Custody must always hold at least this much.
func (e *Engine) EscrowedTotal(ctx context.Context, token common.Address) *big.Int {
	defer e.rlock(ctx)()
	total := new(big.Int)
	for _, c := range e.conditions {
		if c.Status == domain.StatusActive && c.PayoutToken == token {
			total.Add(total, c.PayoutAmount)
		}
	}
	return total
}

// ---------------------------------------------------------------------------
// Snapshot / restore
// ---------------------------------------------------------------------------

// Snapshot is the complete engine state.
type Snapshot struct {
	State      domain.EngineState
	Conditions []domain.Condition
	Approvals  []domain.Approval
}

// Snapshot exports the engine state, conditions ordered by id.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	defer e.rlock(ctx)()
	snap := Snapshot{State: e.state()}
	for _, c := range e.conditions {
		snap.Conditions = append(snap.Conditions, c.Clone())
	}
	sort.Slice(snap.Conditions, func(i, j int) bool { return snap.Conditions[i].ID < snap.Conditions[j].ID })
	for k, at := range e.approvals {
		snap.Approvals = append(snap.Approvals, domain.Approval{ConditionID: k.id, Approver: k.approver, ApprovedAt: at})
	}
	sort.Slice(snap.Approvals, func(i, j int) bool {
		if snap.Approvals[i].ConditionID != snap.Approvals[j].ConditionID {
			return snap.Approvals[i].ConditionID < snap.Approvals[j].ConditionID
		}
		return snap.Approvals[i].ApprovedAt.Before(snap.Approvals[j].ApprovedAt)
	})
	return snap
}

// Restore loads a previously exported state into a fresh engine. It refuses
// to overwrite an engine that already holds conditions.
func (e *Engine) Restore(snap Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.counter != 0 || len(e.conditions) != 0 {
		return fmt.Errorf("engine: restore: engine already holds %d conditions", len(e.conditions))
	}

	conditions := make(map[uint64]*domain.Condition, len(snap.Conditions))
	byCreator := make(map[common.Address][]uint64)
	sorted := append([]domain.Condition(nil), snap.Conditions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, c := range sorted {
		if c.ID == 0 || c.ID > snap.State.Counter {
			return fmt.Errorf("engine: restore: condition id %d outside counter %d", c.ID, snap.State.Counter)
		}
		if _, dup := conditions[c.ID]; dup {
			return fmt.Errorf("engine: restore: duplicate condition id %d", c.ID)
		}
		if c.PayoutAmount == nil {
			return fmt.Errorf("engine: restore: condition %d has no payout amount", c.ID)
		}
		cp := c.Clone()
		cp.Approvals = 0
		conditions[c.ID] = &cp
		byCreator[c.Creator] = append(byCreator[c.Creator], c.ID)
	}

	approvals := make(map[approvalKey]time.Time, len(snap.Approvals))
	counts := make(map[uint64]uint64)
	for _, a := range snap.Approvals {
		c, ok := conditions[a.ConditionID]
		if !ok {
			return fmt.Errorf("engine: restore: approval for unknown condition %d", a.ConditionID)
		}
		k := approvalKey{id: a.ConditionID, approver: a.Approver}
		if _, dup := approvals[k]; dup {
			continue
		}
		approvals[k] = a.ApprovedAt
		counts[a.ConditionID]++
		c.Approvals = counts[a.ConditionID]
	}

	e.access = accessControl{owner: snap.State.Owner, paused: snap.State.Paused}
	e.counter = snap.State.Counter
	e.conditions = conditions
	e.byCreator = byCreator
	e.approvals = approvals
	e.approvalCounts = counts
	return nil
}
