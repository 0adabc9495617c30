package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.ConditionStore = (*ConditionStore)(nil)

// ConditionStore implements domain.ConditionStore.
type ConditionStore struct {
	db querier
}

// NewConditionStore creates a new ConditionStore.
func NewConditionStore(pool *pgxpool.Pool) *ConditionStore {
	return &ConditionStore{db: pool}
}

const conditionColumns = `id, creator, recipient, condition_type, trigger_data, payout_amount::text,
	payout_token, status, created_at, expires_at, executed_at, executor, reclaimed_at, approvals`

// SaveCondition upserts the full condition record.
func (s *ConditionStore) SaveCondition(ctx context.Context, c domain.Condition) error {
	id, err := toInt64(c.ID)
	if err != nil {
		return fmt.Errorf("postgres: save condition: %w", err)
	}
	var executor *string
	if c.ExecutedAt != nil {
		e := addressText(c.Executor)
		executor = &e
	}
	const query = `
		INSERT INTO conditions (id, creator, recipient, condition_type, trigger_data, payout_amount,
			payout_token, status, created_at, expires_at, executed_at, executor, reclaimed_at, approvals)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			executed_at = EXCLUDED.executed_at,
			executor = EXCLUDED.executor,
			reclaimed_at = EXCLUDED.reclaimed_at,
			approvals = EXCLUDED.approvals,
			updated_at = NOW()`
	_, err = s.db.Exec(ctx, query,
		id, addressText(c.Creator), addressText(c.Recipient), int16(c.Type), c.TriggerData,
		amountText(c.PayoutAmount), addressText(c.PayoutToken), string(c.Status),
		c.CreatedAt, c.ExpiresAt, c.ExecutedAt, executor, c.ReclaimedAt, int64(c.Approvals),
	)
	if err != nil {
		return fmt.Errorf("postgres: save condition %d: %w", c.ID, err)
	}
	return nil
}

// SaveApproval records an approval; repeats are ignored.
func (s *ConditionStore) SaveApproval(ctx context.Context, a domain.Approval) error {
	id, err := toInt64(a.ConditionID)
	if err != nil {
		return fmt.Errorf("postgres: save approval: %w", err)
	}
	const query = `
		INSERT INTO condition_approvals (condition_id, approver, approved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (condition_id, approver) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, id, addressText(a.Approver), a.ApprovedAt); err != nil {
		return fmt.Errorf("postgres: save approval %d/%s: %w", a.ConditionID, a.Approver.Hex(), err)
	}
	return nil
}

// SaveState upserts the singleton engine state row.
func (s *ConditionStore) SaveState(ctx context.Context, st domain.EngineState) error {
	counter, err := toInt64(st.Counter)
	if err != nil {
		return fmt.Errorf("postgres: save engine state: %w", err)
	}
	const query = `
		INSERT INTO engine_state (id, owner, paused, counter)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			paused = EXCLUDED.paused,
			counter = GREATEST(engine_state.counter, EXCLUDED.counter),
			updated_at = NOW()`
	if _, err := s.db.Exec(ctx, query, addressText(st.Owner), st.Paused, counter); err != nil {
		return fmt.Errorf("postgres: save engine state: %w", err)
	}
	return nil
}

// AppendEvent adds a row to the event log.
func (s *ConditionStore) AppendEvent(ctx context.Context, ev domain.ConditionEvent) error {
	id, err := toInt64(ev.ConditionID)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	const query = `
		INSERT INTO condition_events (kind, condition_id, actor, amount, token, occurred_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`
	var token string
	if ev.ConditionID != 0 {
		token = addressText(ev.Token)
	}
	if _, err := s.db.Exec(ctx, query,
		string(ev.Kind), id, addressText(ev.Actor), amountText(ev.Amount), token, ev.At,
	); err != nil {
		return fmt.Errorf("postgres: append %s event: %w", ev.Kind, err)
	}
	return nil
}

// LoadState returns the engine state. It wraps domain.ErrNotFound when the
// engine has never been persisted.
func (s *ConditionStore) LoadState(ctx context.Context) (domain.EngineState, error) {
	var (
		owner   string
		st      domain.EngineState
		counter int64
	)
	err := s.db.QueryRow(ctx, `SELECT owner, paused, counter FROM engine_state WHERE id = 1`).
		Scan(&owner, &st.Paused, &counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EngineState{}, fmt.Errorf("postgres: engine state: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.EngineState{}, fmt.Errorf("postgres: load engine state: %w", err)
	}
	if st.Owner, err = parseAddress(owner); err != nil {
		return domain.EngineState{}, fmt.Errorf("postgres: load engine state: %w", err)
	}
	st.Counter = uint64(counter)
	return st, nil
}

// LoadConditions returns every condition ordered by id.
func (s *ConditionStore) LoadConditions(ctx context.Context) ([]domain.Condition, error) {
	return s.queryConditions(ctx, `SELECT `+conditionColumns+` FROM conditions ORDER BY id`)
}

// ListTerminalBefore returns settled conditions last updated before the
// cutoff, ordered by id.
func (s *ConditionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Condition, error) {
	const query = `SELECT ` + conditionColumns + ` FROM conditions
		WHERE status <> 'ACTIVE' AND updated_at < $1 ORDER BY id`
	return s.queryConditions(ctx, query, before)
}

// LoadApprovals returns every approval ordered by condition and time.
func (s *ConditionStore) LoadApprovals(ctx context.Context) ([]domain.Approval, error) {
	rows, err := s.db.Query(ctx,
		`SELECT condition_id, approver, approved_at FROM condition_approvals ORDER BY condition_id, approved_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		var (
			a        domain.Approval
			id       int64
			approver string
		)
		if err := rows.Scan(&id, &approver, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		a.ConditionID = uint64(id)
		if a.Approver, err = parseAddress(approver); err != nil {
			return nil, fmt.Errorf("postgres: approval %d: %w", id, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load approvals rows: %w", err)
	}
	return out, nil
}

// ListEvents returns logged events oldest first. A zero conditionID lists
// events of every condition.
func (s *ConditionStore) ListEvents(ctx context.Context, conditionID uint64, opts domain.ListOpts) ([]domain.StoredEvent, error) {
	query := `SELECT seq, kind, condition_id, actor, COALESCE(amount::text, ''), token, occurred_at
		FROM condition_events WHERE TRUE`
	var args []any
	if conditionID != 0 {
		id, err := toInt64(conditionID)
		if err != nil {
			return nil, fmt.Errorf("postgres: list events: %w", err)
		}
		args = append(args, id)
		query += fmt.Sprintf(" AND condition_id = $%d", len(args))
	}
	query, args = appendListOpts(query, "occurred_at", "seq", args, opts.Since, opts.Until, opts.Limit, opts.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredEvent
	for rows.Next() {
		var (
			ev   domain.StoredEvent
			id   int64
			kind string
		)
		if err := rows.Scan(&ev.Seq, &kind, &id, &ev.Actor, &ev.Amount, &ev.Token, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.ConditionID = uint64(id)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

func (s *ConditionStore) queryConditions(ctx context.Context, query string, args ...any) ([]domain.Condition, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query conditions rows: %w", err)
	}
	return out, nil
}

func scanCondition(row pgx.Row) (domain.Condition, error) {
	var (
		c                         domain.Condition
		id, approvals             int64
		ctype                     int16
		creator, recipient, token string
		status, amount            string
		executor                  *string
	)
	if err := row.Scan(&id, &creator, &recipient, &ctype, &c.TriggerData, &amount,
		&token, &status, &c.CreatedAt, &c.ExpiresAt, &c.ExecutedAt, &executor, &c.ReclaimedAt, &approvals,
	); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: scan condition: %w", err)
	}

	var err error
	c.ID = uint64(id)
	c.Type = domain.ConditionType(ctype)
	c.Status = domain.ConditionStatus(status)
	c.Approvals = uint64(approvals)
	if c.PayoutAmount, err = parseAmount(amount); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d: %w", id, err)
	}
	if c.Creator, err = parseAddress(creator); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d creator: %w", id, err)
	}
	if c.Recipient, err = parseAddress(recipient); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d recipient: %w", id, err)
	}
	if c.PayoutToken, err = parseAddress(token); err != nil {
		return domain.Condition{}, fmt.Errorf("postgres: condition %d token: %w", id, err)
	}
	if executor != nil {
		if c.Executor, err = parseAddress(*executor); err != nil {
			return domain.Condition{}, fmt.Errorf("postgres: condition %d executor: %w", id, err)
		}
	}
	return c, nil
}
