package domain

import "context"

// ChangeSet collects what one engine call changed: the event describing the
// call (with the condition, approval and engine state it produced) and the
// ledger rows its transfers touched. A Committer stores it atomically.
type ChangeSet struct {
	Event      *ConditionEvent
	Balances   []BalanceRow
	Allowances []AllowanceRow

	undo []func()
}

// AddLedgerRows appends rows written by a transfer, with the function that
// reverses the transfer in memory if the change set is not committed.
func (cs *ChangeSet) AddLedgerRows(balances []BalanceRow, allowances []AllowanceRow, undo func()) {
	cs.Balances = append(cs.Balances, balances...)
	cs.Allowances = append(cs.Allowances, allowances...)
	if undo != nil {
		cs.undo = append(cs.undo, undo)
	}
}

// Rollback reverses the recorded transfers, newest first.
func (cs *ChangeSet) Rollback() {
	for i := len(cs.undo) - 1; i >= 0; i-- {
		cs.undo[i]()
	}
	cs.undo = nil
}

// Committer persists a ChangeSet in a single transaction. An error means
// nothing was stored.
type Committer interface {
	Commit(ctx context.Context, cs *ChangeSet) error
}

type changeSetKey struct{}

// WithChangeSet attaches cs to ctx. Ledger transfers made with the returned
// context record their rows in cs instead of journaling them directly.
func WithChangeSet(ctx context.Context, cs *ChangeSet) context.Context {
	return context.WithValue(ctx, changeSetKey{}, cs)
}

// ChangeSetFrom returns the change set attached to ctx, or nil.
func ChangeSetFrom(ctx context.Context) *ChangeSet {
	cs, _ := ctx.Value(changeSetKey{}).(*ChangeSet)
	return cs
}
