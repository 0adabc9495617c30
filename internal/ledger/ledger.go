// Package ledger is an in-process token ledger standing in for the balances
// of the chain the engine runs on. It tracks the native currency (the zero
// address) and ERC-20-style tokens with balances and allowances.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

// Receiver is a hook registered for an address that models a contract
// recipient. It runs before a credit to that address is applied; an error
// aborts the transfer with no balance change. Hooks receive the caller's
// context and must pass it on to anything they call.
type Receiver interface {
	OnReceive(ctx context.Context, token, from common.Address, amount *big.Int) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, token, from common.Address, amount *big.Int) error

// OnReceive calls f.
func (f ReceiverFunc) OnReceive(ctx context.Context, token, from common.Address, amount *big.Int) error {
	return f(ctx, token, from, amount)
}

// Journal stores the rows changed by a mutation, all or nothing.
type Journal interface {
	SaveRows(ctx context.Context, balances []domain.BalanceRow, allowances []domain.AllowanceRow) error
}

type balanceKey struct {
	token   common.Address
	account common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger holds balances and allowances. It is safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	receivers  map[common.Address]Receiver
	journal    Journal
	logger     *slog.Logger
}

// New creates an empty ledger. journal may be nil.
func New(journal Journal, logger *slog.Logger) *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		receivers:  make(map[common.Address]Receiver),
		journal:    journal,
		logger:     logger.With(slog.String("component", "ledger")),
	}
}

// SetReceiver registers (or with nil, removes) the hook for addr.
func (l *Ledger) SetReceiver(addr common.Address, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r == nil {
		delete(l.receivers, addr)
		return
	}
	l.receivers[addr] = r
}

// Load replaces the ledger contents with persisted rows.
func (l *Ledger) Load(balances []domain.BalanceRow, allowances []domain.AllowanceRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := make(map[balanceKey]*big.Int, len(balances))
	for _, r := range balances {
		if r.Amount == nil || r.Amount.Sign() < 0 {
			return fmt.Errorf("ledger: load: invalid balance for %s on %s", r.Account.Hex(), r.Token.Hex())
		}
		bal[balanceKey{r.Token, r.Account}] = new(big.Int).Set(r.Amount)
	}
	alw := make(map[allowanceKey]*big.Int, len(allowances))
	for _, r := range allowances {
		if r.Amount == nil || r.Amount.Sign() < 0 {
			return fmt.Errorf("ledger: load: invalid allowance %s -> %s on %s", r.Owner.Hex(), r.Spender.Hex(), r.Token.Hex())
		}
		alw[allowanceKey{r.Token, r.Owner, r.Spender}] = new(big.Int).Set(r.Amount)
	}
	l.balances = bal
	l.allowances = alw
	return nil
}

// BalanceOf returns the balance of account in token.
func (l *Ledger) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(token, account)), nil
}

// Allowance returns how much spender may move from owner's token balance.
func (l *Ledger) Allowance(_ context.Context, token, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Balances returns every non-zero balance, ordered by token then account.
func (l *Ledger) Balances() []domain.BalanceRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make([]domain.BalanceRow, 0, len(l.balances))
	for k, v := range l.balances {
		if v.Sign() == 0 {
			continue
		}
		rows = append(rows, domain.BalanceRow{Token: k.token, Account: k.account, Amount: new(big.Int).Set(v)})
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].Token.Cmp(rows[j].Token); c != 0 {
			return c < 0
		}
		return rows[i].Account.Cmp(rows[j].Account) < 0
	})
	return rows
}

// Mint credits amount of token to the given account out of thin air. It is
// the faucet for local deployments and tests; receiver hooks do not run.
func (l *Ledger) Mint(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("ledger: mint: recipient: %w", domain.ErrZeroAddress)
	}
	l.mu.Lock()
	bal := l.credit(token, to, amount)
	l.mu.Unlock()

	undo := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.debit(token, to, amount)
	}
	if err := l.record(ctx, []domain.BalanceRow{bal}, nil, undo); err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}
	return nil
}

// Approve sets spender's allowance over owner's token balance.
func (l *Ledger) Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: approve: %w", domain.ErrZeroAmount)
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("ledger: approve: spender: %w", domain.ErrZeroAddress)
	}
	k := allowanceKey{token, owner, spender}
	l.mu.Lock()
	prev, had := l.allowances[k]
	l.allowances[k] = new(big.Int).Set(amount)
	l.mu.Unlock()

	undo := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if had {
			l.allowances[k] = prev
		} else {
			delete(l.allowances, k)
		}
	}
	row := domain.AllowanceRow{Token: token, Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)}
	if err := l.record(ctx, nil, []domain.AllowanceRow{row}, undo); err != nil {
		return fmt.Errorf("ledger: approve: %w", err)
	}
	return nil
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := l.transfer(ctx, token, common.Address{}, from, to, amount); err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	return nil
}

// TransferFrom moves amount of token from one account to another on behalf
// of spender, consuming spender's allowance.
func (l *Ledger) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("ledger: transfer from: spender: %w", domain.ErrZeroAddress)
	}
	if err := l.transfer(ctx, token, spender, from, to, amount); err != nil {
		return fmt.Errorf("ledger: transfer from: %w", err)
	}
	return nil
}

// transfer runs the recipient hook, then applies the debit, credit and
// allowance spend in one critical section. A zero spender skips the allowance.
func (l *Ledger) transfer(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("recipient: %w", domain.ErrZeroAddress)
	}

	l.mu.Lock()
	if err := l.checkFunds(token, spender, from, amount); err != nil {
		l.mu.Unlock()
		return err
	}
	hook := l.receivers[to]
	l.mu.Unlock()

	if hook != nil {
		if err := hook.OnReceive(ctx, token, from, new(big.Int).Set(amount)); err != nil {
			l.logger.WarnContext(ctx, "receiver rejected transfer",
				slog.String("to", to.Hex()),
				slog.String("token", token.Hex()),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: receiver %s: %w", domain.ErrTransferFailed, to.Hex(), err)
		}
	}

	l.mu.Lock()
	// The hook ran unlocked; funds may have moved meanwhile.
	if err := l.checkFunds(token, spender, from, amount); err != nil {
		l.mu.Unlock()
		return err
	}
	var allowances []domain.AllowanceRow
	if spender != (common.Address{}) {
		k := allowanceKey{token, from, spender}
		left := new(big.Int).Sub(l.allowances[k], amount)
		l.allowances[k] = left
		allowances = append(allowances, domain.AllowanceRow{Token: token, Owner: from, Spender: spender, Amount: new(big.Int).Set(left)})
	}
	debited := l.debit(token, from, amount)
	credited := l.credit(token, to, amount)
	l.mu.Unlock()

	undo := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.debit(token, to, amount)
		l.credit(token, from, amount)
		if spender != (common.Address{}) {
			k := allowanceKey{token, from, spender}
			l.allowances[k] = new(big.Int).Add(l.allowances[k], amount)
		}
	}
	return l.record(ctx, []domain.BalanceRow{debited, credited}, allowances, undo)
}

func (l *Ledger) checkFunds(token, spender, from common.Address, amount *big.Int) error {
	if spender != (common.Address{}) {
		a, ok := l.allowances[allowanceKey{token, from, spender}]
		if !ok || a.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s may not spend %s of %s", domain.ErrInsufficientAllowance, spender.Hex(), amount, from.Hex())
		}
	}
	if l.balance(token, from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientBalance, from.Hex(), l.balance(token, from), amount)
	}
	return nil
}

func (l *Ledger) balance(token, account common.Address) *big.Int {
	if b, ok := l.balances[balanceKey{token, account}]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) debit(token, account common.Address, amount *big.Int) domain.BalanceRow {
	k := balanceKey{token, account}
	b := new(big.Int).Sub(l.balance(token, account), amount)
	l.balances[k] = b
	return domain.BalanceRow{Token: token, Account: account, Amount: new(big.Int).Set(b)}
}

func (l *Ledger) credit(token, account common.Address, amount *big.Int) domain.BalanceRow {
	k := balanceKey{token, account}
	b := new(big.Int).Add(l.balance(token, account), amount)
	l.balances[k] = b
	return domain.BalanceRow{Token: token, Account: account, Amount: new(big.Int).Set(b)}
}

// record hands the changed rows to the change set on ctx, which commits them
// with the rest of the engine call. Without one the rows go to the journal;
// if that fails the mutation is undone.
func (l *Ledger) record(ctx context.Context, balances []domain.BalanceRow, allowances []domain.AllowanceRow, undo func()) error {
	if cs := domain.ChangeSetFrom(ctx); cs != nil {
		cs.AddLedgerRows(balances, allowances, undo)
		return nil
	}
	if l.journal == nil {
		return nil
	}
	if err := l.journal.SaveRows(ctx, balances, allowances); err != nil {
		undo()
		l.logger.ErrorContext(ctx, "failed to journal ledger rows", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", domain.ErrCommitFailed, err)
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrZeroAmount
	}
	return nil
}
