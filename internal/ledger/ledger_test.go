package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/domain"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	custody = common.HexToAddress("0x000000000000000000000000000000000000c057")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memJournal struct {
	balances   []domain.BalanceRow
	allowances []domain.AllowanceRow
	fail       error
}

func (j *memJournal) SaveRows(_ context.Context, balances []domain.BalanceRow, allowances []domain.AllowanceRow) error {
	if j.fail != nil {
		return j.fail
	}
	j.balances = append(j.balances, balances...)
	j.allowances = append(j.allowances, allowances...)
	return nil
}

func balance(t *testing.T, l *Ledger, tok, acct common.Address) int64 {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), tok, acct)
	if err != nil {
		t.Fatal(err)
	}
	return b.Int64()
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	l := New(nil, discard())
	_ = l.Mint(ctx, token, alice, big.NewInt(100))

	if err := l.TransferFrom(ctx, token, custody, alice, custody, big.NewInt(10)); !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := l.Approve(ctx, token, alice, custody, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	if err := l.TransferFrom(ctx, token, custody, alice, custody, big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if got := l.Allowance(ctx, token, alice, custody).Int64(); got != 20 {
		t.Fatalf("allowance = %d, want 20", got)
	}
	if balance(t, l, token, alice) != 60 || balance(t, l, token, custody) != 40 {
		t.Fatal("balances not moved")
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := New(nil, discard())
	_ = l.Mint(ctx, token, alice, big.NewInt(5))

	err := l.Transfer(ctx, token, alice, bob, big.NewInt(6))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance(t, l, token, alice) != 5 || balance(t, l, token, bob) != 0 {
		t.Fatal("failed transfer changed balances")
	}
}

func TestReceiverRejectionIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := New(nil, discard())
	_ = l.Mint(ctx, domain.NativeToken, alice, big.NewInt(10))

	reject := errors.New("no thanks")
	l.SetReceiver(bob, ReceiverFunc(func(context.Context, common.Address, common.Address, *big.Int) error {
		return reject
	}))

	err := l.Transfer(ctx, domain.NativeToken, alice, bob, big.NewInt(10))
	if !errors.Is(err, domain.ErrTransferFailed) || !errors.Is(err, reject) {
		t.Fatalf("expected wrapped rejection, got %v", err)
	}
	if balance(t, l, domain.NativeToken, alice) != 10 || balance(t, l, domain.NativeToken, bob) != 0 {
		t.Fatal("rejected transfer changed balances")
	}

	l.SetReceiver(bob, nil)
	if err := l.Transfer(ctx, domain.NativeToken, alice, bob, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
}

func TestReceiverSpendingDuringHookIsRechecked(t *testing.T) {
	ctx := context.Background()
	l := New(nil, discard())
	_ = l.Mint(ctx, token, alice, big.NewInt(10))

	l.SetReceiver(bob, ReceiverFunc(func(ctx context.Context, _ common.Address, _ common.Address, _ *big.Int) error {
		// Drain the sender before the credit lands.
		l.SetReceiver(bob, nil)
		return l.Transfer(ctx, token, alice, custody, big.NewInt(10))
	}))

	err := l.Transfer(ctx, token, alice, bob, big.NewInt(10))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance(t, l, token, bob) != 0 || balance(t, l, token, custody) != 10 {
		t.Fatal("unexpected balances")
	}
}

func TestCustodyPullPush(t *testing.T) {
	ctx := context.Background()
	l := New(nil, discard())
	v := l.Custody(custody)
	_ = l.Mint(ctx, domain.NativeToken, alice, big.NewInt(3))
	_ = l.Mint(ctx, token, alice, big.NewInt(7))
	_ = l.Approve(ctx, token, alice, custody, big.NewInt(7))

	if err := v.Pull(ctx, domain.NativeToken, alice, big.NewInt(3)); err != nil {
		t.Fatal(err)
	}
	if err := v.Pull(ctx, token, alice, big.NewInt(7)); err != nil {
		t.Fatal(err)
	}
	if err := v.Push(ctx, token, bob, big.NewInt(7)); err != nil {
		t.Fatal(err)
	}
	if balance(t, l, domain.NativeToken, custody) != 3 || balance(t, l, token, bob) != 7 {
		t.Fatal("custody did not move funds")
	}
	if v.Address() != custody {
		t.Fatal("wrong custody address")
	}
}

func TestJournalAndLoad(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	l := New(j, discard())
	_ = l.Mint(ctx, token, alice, big.NewInt(9))
	_ = l.Approve(ctx, token, alice, bob, big.NewInt(4))
	_ = l.TransferFrom(ctx, token, bob, alice, bob, big.NewInt(4))

	if len(j.balances) != 3 || len(j.allowances) != 2 {
		t.Fatalf("journal rows: %d balances, %d allowances", len(j.balances), len(j.allowances))
	}

	fresh := New(nil, discard())
	if err := fresh.Load(l.Balances(), nil); err != nil {
		t.Fatal(err)
	}
	if balance(t, fresh, token, alice) != 5 || balance(t, fresh, token, bob) != 4 {
		t.Fatal("load did not restore balances")
	}
	if err := fresh.Load([]domain.BalanceRow{{Token: token, Account: alice, Amount: big.NewInt(-1)}}, nil); err == nil {
		t.Fatal("expected error for negative balance")
	}
}

func TestJournalFailureUndoesMutation(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	l := New(j, discard())
	if err := l.Mint(ctx, token, alice, big.NewInt(9)); err != nil {
		t.Fatal(err)
	}
	if err := l.Approve(ctx, token, alice, bob, big.NewInt(5)); err != nil {
		t.Fatal(err)
	}

	j.fail = errors.New("db down")
	if err := l.TransferFrom(ctx, token, bob, alice, bob, big.NewInt(4)); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("transfer err = %v", err)
	}
	if err := l.Mint(ctx, token, bob, big.NewInt(1)); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("mint err = %v", err)
	}
	if err := l.Approve(ctx, token, alice, custody, big.NewInt(3)); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("approve err = %v", err)
	}

	if balance(t, l, token, alice) != 9 || balance(t, l, token, bob) != 0 {
		t.Fatal("failed writes left balances changed")
	}
	if l.Allowance(ctx, token, alice, bob).Int64() != 5 || l.Allowance(ctx, token, alice, custody).Sign() != 0 {
		t.Fatal("failed writes left allowances changed")
	}
}

func TestChangeSetCollectsRows(t *testing.T) {
	j := &memJournal{}
	l := New(j, discard())
	_ = l.Mint(context.Background(), domain.NativeToken, alice, big.NewInt(10))

	cs := &domain.ChangeSet{}
	ctx := domain.WithChangeSet(context.Background(), cs)
	if err := l.Custody(custody).Pull(ctx, domain.NativeToken, alice, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if len(j.balances) != 1 || len(cs.Balances) != 2 {
		t.Fatalf("journal rows = %d, change set rows = %d", len(j.balances), len(cs.Balances))
	}

	cs.Rollback()
	if balance(t, l, domain.NativeToken, alice) != 10 || balance(t, l, domain.NativeToken, custody) != 0 {
		t.Fatal("rollback did not reverse the pull")
	}
}

func TestMintRejectsZero(t *testing.T) {
	l := New(nil, discard())
	if err := l.Mint(context.Background(), token, alice, big.NewInt(0)); !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("got %v", err)
	}
}
