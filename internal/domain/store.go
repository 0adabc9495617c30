package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StoredEvent is a persisted ConditionEvent row.
type StoredEvent struct {
	Seq         int64
	Kind        EventKind
	ConditionID uint64
	Actor       string
	Amount      string
	Token       string
	At          time.Time
}

// ConditionStore persists engine state so the engine can be rebuilt after a
// restart, and keeps the event log external consumers index.
type ConditionStore interface {
	SaveCondition(ctx context.Context, c Condition) error
	SaveApproval(ctx context.Context, a Approval) error
	SaveState(ctx context.Context, s EngineState) error
	AppendEvent(ctx context.Context, ev ConditionEvent) error
	LoadState(ctx context.Context) (EngineState, error)
	LoadConditions(ctx context.Context) ([]Condition, error)
	LoadApprovals(ctx context.Context) ([]Approval, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Condition, error)
	ListEvents(ctx context.Context, conditionID uint64, opts ListOpts) ([]StoredEvent, error)
}

// LedgerStore persists custody ledger rows.
type LedgerStore interface {
	SaveRows(ctx context.Context, balances []BalanceRow, allowances []AllowanceRow) error
	LoadBalances(ctx context.Context) ([]BalanceRow, error)
	LoadAllowances(ctx context.Context) ([]AllowanceRow, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
