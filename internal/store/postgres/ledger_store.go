package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.LedgerStore = (*LedgerStore)(nil)

// LedgerStore implements domain.LedgerStore for the custody ledger.
type LedgerStore struct {
	db querier
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: pool}
}

// SaveRows upserts balance and allowance rows in one transaction.
func (s *LedgerStore) SaveRows(ctx context.Context, balances []domain.BalanceRow, allowances []domain.AllowanceRow) error {
	if len(balances) == 0 && len(allowances) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return writeLedgerRows(ctx, tx, balances, allowances)
	})
}

const (
	upsertBalance = `
		INSERT INTO ledger_balances (token, account, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (token, account) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`
	upsertAllowance = `
		INSERT INTO ledger_allowances (token, owner, spender, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token, owner, spender) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`
)

// writeLedgerRows queues every upsert in one batch, in order, so a later row
// for the same key wins.
func writeLedgerRows(ctx context.Context, db querier, balances []domain.BalanceRow, allowances []domain.AllowanceRow) error {
	batch := &pgx.Batch{}
	for _, r := range balances {
		batch.Queue(upsertBalance, addressText(r.Token), addressText(r.Account), amountText(r.Amount))
	}
	for _, r := range allowances {
		batch.Queue(upsertAllowance, addressText(r.Token), addressText(r.Owner), addressText(r.Spender), amountText(r.Amount))
	}
	br := db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save ledger batch item %d: %w", i, err)
		}
	}
	return nil
}

// LoadBalances returns all non-zero balances.
func (s *LedgerStore) LoadBalances(ctx context.Context) ([]domain.BalanceRow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT token, account, amount::text FROM ledger_balances WHERE amount > 0 ORDER BY token, account`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load balances: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceRow
	for rows.Next() {
		var token, account, amount string
		if err := rows.Scan(&token, &account, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		var r domain.BalanceRow
		if r.Token, err = parseAddress(token); err != nil {
			return nil, fmt.Errorf("postgres: balance token: %w", err)
		}
		if r.Account, err = parseAddress(account); err != nil {
			return nil, fmt.Errorf("postgres: balance account: %w", err)
		}
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("postgres: balance amount: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load balances rows: %w", err)
	}
	return out, nil
}

// LoadAllowances returns all non-zero allowances.
func (s *LedgerStore) LoadAllowances(ctx context.Context) ([]domain.AllowanceRow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT token, owner, spender, amount::text FROM ledger_allowances WHERE amount > 0 ORDER BY token, owner, spender`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load allowances: %w", err)
	}
	defer rows.Close()

	var out []domain.AllowanceRow
	for rows.Next() {
		var token, owner, spender, amount string
		if err := rows.Scan(&token, &owner, &spender, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan allowance: %w", err)
		}
		var r domain.AllowanceRow
		if r.Token, err = parseAddress(token); err != nil {
			return nil, fmt.Errorf("postgres: allowance token: %w", err)
		}
		if r.Owner, err = parseAddress(owner); err != nil {
			return nil, fmt.Errorf("postgres: allowance owner: %w", err)
		}
		if r.Spender, err = parseAddress(spender); err != nil {
			return nil, fmt.Errorf("postgres: allowance spender: %w", err)
		}
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, fmt.Errorf("postgres: allowance amount: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load allowances rows: %w", err)
	}
	return out, nil
}
