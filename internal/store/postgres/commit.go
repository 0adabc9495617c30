package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/steward/internal/domain"
)

// querier is the part of pgxpool.Pool and pgx.Tx the stores use, so the same
// store code runs inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ querier          = (*pgxpool.Pool)(nil)
	_ querier          = (pgx.Tx)(nil)
	_ domain.Committer = (*Committer)(nil)
)

// Committer writes the changes of one engine call in a single transaction:
// the condition row, a new approval, the engine state, the event log entry
// and the ledger rows of the call's transfers.
type Committer struct {
	pool *pgxpool.Pool
}

// NewCommitter creates a Committer.
func NewCommitter(pool *pgxpool.Pool) *Committer {
	return &Committer{pool: pool}
}

// Commit implements domain.Committer.
func (c *Committer) Commit(ctx context.Context, cs *domain.ChangeSet) error {
	if cs.Event == nil {
		return fmt.Errorf("postgres: commit: change set has no event")
	}
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		return writeChangeSet(ctx, tx, cs)
	})
	if err != nil {
		return fmt.Errorf("postgres: commit %s: %w", cs.Event.Kind, err)
	}
	return nil
}

func writeChangeSet(ctx context.Context, tx querier, cs *domain.ChangeSet) error {
	conditions := &ConditionStore{db: tx}
	ev := cs.Event
	if ev.Condition != nil {
		if err := conditions.SaveCondition(ctx, *ev.Condition); err != nil {
			return err
		}
	}
	if ev.Approval != nil {
		if err := conditions.SaveApproval(ctx, *ev.Approval); err != nil {
			return err
		}
	}
	if err := conditions.SaveState(ctx, ev.State); err != nil {
		return err
	}
	if err := conditions.AppendEvent(ctx, *ev); err != nil {
		return err
	}
	if len(cs.Balances) == 0 && len(cs.Allowances) == 0 {
		return nil
	}
	return writeLedgerRows(ctx, tx, cs.Balances, cs.Allowances)
}
