package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/chain"
	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/ledger"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x000000000000000000000000000000000000ca01")
	keeper  = common.HexToAddress("0x000000000000000000000000000000000000cee9")
	custody = common.HexToAddress("0x000000000000000000000000000000000000c057")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000aa")

	genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oneUnit = big.NewInt(1_000_000_000_000_000_000)
)

var _ Vault = (*ledger.Custody)(nil)
var _ BalanceReader = (*ledger.Ledger)(nil)
var _ Chain = (*chain.Manual)(nil)

type recorder struct {
	mu     sync.Mutex
	events []domain.ConditionEvent
}

func (r *recorder) Emit(_ context.Context, ev domain.ConditionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	eng    *Engine
	ledger *ledger.Ledger
	chain  *chain.Manual
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(nil, logger)
	c := chain.NewManual(genesis, 1000)
	rec := &recorder{}
	eng := New(owner, c, l.Custody(custody), l, logger).WithEmitter(rec)

	ctx := context.Background()
	for _, acct := range []common.Address{alice, bob} {
		if err := l.Mint(ctx, domain.NativeToken, acct, new(big.Int).Mul(oneUnit, big.NewInt(10))); err != nil {
			t.Fatal(err)
		}
		if err := l.Mint(ctx, usdc, acct, big.NewInt(1_000_000)); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{eng: eng, ledger: l, chain: c, events: rec}
}

func (f *fixture) balance(t *testing.T, token, acct common.Address) *big.Int {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), token, acct)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustEncode(t *testing.T, trig domain.Trigger) []byte {
	t.Helper()
	data, err := domain.EncodeTrigger(trig)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (f *fixture) nativeRequest(t *testing.T, creator common.Address, trig domain.Trigger, amount *big.Int) CreateRequest {
	return CreateRequest{
		Creator:      creator,
		Type:         trig.Type(),
		TriggerData:  mustEncode(t, trig),
		PayoutAmount: amount,
		PayoutToken:  domain.NativeToken,
		ExpiresAt:    genesis.Add(24 * time.Hour),
		Value:        amount,
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) uint64 {
	t.Helper()
	id, err := f.eng.CreateCondition(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestTimeBasedExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := genesis.Add(time.Hour)
	id := f.create(t, f.nativeRequest(t, alice, domain.TimeTrigger{At: target}, oneUnit))
	before := f.balance(t, domain.NativeToken, alice)

	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrNotMet) {
		t.Fatalf("expected ErrNotMet, got %v", err)
	}

	f.chain.Set(target, 1300)
	met, err := f.eng.IsConditionMet(ctx, id)
	if err != nil || !met {
		t.Fatalf("IsConditionMet = %v, %v", met, err)
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); err != nil {
		t.Fatalf("execute: %v", err)
	}

	c, _ := f.eng.Condition(ctx, id)
	if c.Status != domain.StatusExecuted || c.Executor != keeper || c.ExecutedAt == nil {
		t.Fatalf("unexpected record %+v", c)
	}
	gained := new(big.Int).Sub(f.balance(t, domain.NativeToken, alice), before)
	if gained.Cmp(oneUnit) != 0 {
		t.Fatalf("creator gained %s, want %s", gained, oneUnit)
	}
	if f.balance(t, domain.NativeToken, custody).Sign() != 0 {
		t.Fatal("custody still holds funds")
	}
}

func TestMultisigApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, f.nativeRequest(t, alice, domain.ApprovalTrigger{Required: 2}, oneUnit))

	if err := f.eng.AddApproval(ctx, bob, id); err != nil {
		t.Fatal(err)
	}
	if met, _ := f.eng.IsConditionMet(ctx, id); met {
		t.Fatal("met after one approval")
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrNotMet) {
		t.Fatalf("expected ErrNotMet, got %v", err)
	}
	if err := f.eng.AddApproval(ctx, bob, id); !errors.Is(err, domain.ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if got := f.eng.ApprovalCount(ctx, id); got != 1 {
		t.Fatalf("approval count = %d after duplicate", got)
	}

	if err := f.eng.AddApproval(ctx, carol, id); err != nil {
		t.Fatal(err)
	}
	if !f.eng.HasApproved(ctx, id, carol) || f.eng.HasApproved(ctx, id, keeper) {
		t.Fatal("HasApproved mismatch")
	}
	if met, _ := f.eng.IsConditionMet(ctx, id); !met {
		t.Fatal("not met after two approvals")
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.AddApproval(ctx, owner, id); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("approval on executed condition: got %v", err)
	}
}

func TestApprovalOnNonMultisig(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 2000}, oneUnit))
	if err := f.eng.AddApproval(context.Background(), bob, id); !errors.Is(err, domain.ErrNotMultisig) {
		t.Fatalf("expected ErrNotMultisig, got %v", err)
	}
}

func TestCancelRefundsCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.balance(t, domain.NativeToken, alice)
	id := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1001}, oneUnit))

	if err := f.eng.CancelCondition(ctx, bob, id); !errors.Is(err, domain.ErrNotCreator) {
		t.Fatalf("non-creator cancel: got %v", err)
	}
	if err := f.eng.CancelCondition(ctx, alice, id); err != nil {
		t.Fatal(err)
	}
	if f.balance(t, domain.NativeToken, alice).Cmp(start) != 0 {
		t.Fatal("creator not refunded")
	}

	f.chain.Advance(time.Minute, 10)
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("execute after cancel: got %v", err)
	}
	if err := f.eng.CancelCondition(ctx, alice, id); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second cancel: got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := func() CreateRequest {
		return f.nativeRequest(t, alice, domain.TimeTrigger{At: genesis.Add(time.Hour)}, oneUnit)
	}

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"zero payout", func(r *CreateRequest) { r.PayoutAmount = big.NewInt(0); r.Value = big.NewInt(0) }, domain.ErrZeroAmount},
		{"nil payout", func(r *CreateRequest) { r.PayoutAmount = nil }, domain.ErrZeroAmount},
		{"expiry now", func(r *CreateRequest) { r.ExpiresAt = genesis }, domain.ErrExpirationNotFuture},
		{"value short", func(r *CreateRequest) { r.Value = big.NewInt(1) }, domain.ErrInsufficientValue},
		{"value over", func(r *CreateRequest) { r.Value = new(big.Int).Add(oneUnit, big.NewInt(1)) }, domain.ErrIncorrectValue},
		{"value on token payout", func(r *CreateRequest) { r.PayoutToken = usdc; r.PayoutAmount = big.NewInt(5) }, domain.ErrIncorrectValue},
		{"bad trigger", func(r *CreateRequest) { r.TriggerData = []byte{1} }, domain.ErrInvalidTrigger},
		{"unknown type", func(r *CreateRequest) { r.Type = domain.ConditionType(7) }, domain.ErrInvalidTrigger},
		{"zero creator", func(r *CreateRequest) { r.Creator = common.Address{} }, domain.ErrZeroAddress},
		{"no allowance", func(r *CreateRequest) { r.PayoutToken = usdc; r.PayoutAmount = big.NewInt(5); r.Value = nil }, domain.ErrInsufficientAllowance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			_, err := f.eng.CreateCondition(ctx, req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.eng.Counter(ctx) != 0 {
				t.Fatal("counter moved on failed create")
			}
			if len(f.eng.UserConditions(ctx, alice)) != 0 {
				t.Fatal("creator index changed on failed create")
			}
		})
	}
	if len(f.events.kinds()) != 0 {
		t.Fatal("failed creates emitted events")
	}
}

func TestTokenPayoutWithRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.ledger.Approve(ctx, usdc, alice, custody, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	id := f.create(t, CreateRequest{
		Creator:      alice,
		Recipient:    carol,
		Type:         domain.ConditionBlockBased,
		TriggerData:  mustEncode(t, domain.BlockTrigger{Height: 1000}),
		PayoutAmount: big.NewInt(500),
		PayoutToken:  usdc,
		ExpiresAt:    genesis.Add(time.Hour),
	})
	if got := f.eng.EscrowedTotal(ctx, usdc).Int64(); got != 500 {
		t.Fatalf("escrowed = %d", got)
	}
	if err := f.eng.ExecuteCondition(ctx, bob, id); err != nil {
		t.Fatal(err)
	}
	if f.balance(t, usdc, carol).Int64() != 500 {
		t.Fatal("recipient not paid")
	}
	if f.eng.EscrowedTotal(ctx, usdc).Sign() != 0 {
		t.Fatal("escrow not released")
	}
}

func TestExactlyOncePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.eng.ExecuteCondition(ctx, keeper, id); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("%d executions succeeded", successes)
	}
	if err := f.eng.CancelCondition(ctx, alice, id); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("cancel after execute: got %v", err)
	}
}

func TestEscrowConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit))
	b := f.create(t, f.nativeRequest(t, bob, domain.ApprovalTrigger{Required: 1}, big.NewInt(7)))
	c := f.create(t, f.nativeRequest(t, alice, domain.TimeTrigger{At: genesis.Add(48 * time.Hour)}, big.NewInt(3)))

	check := func() {
		t.Helper()
		held := f.balance(t, domain.NativeToken, custody)
		if held.Cmp(f.eng.EscrowedTotal(ctx, domain.NativeToken)) != 0 {
			t.Fatalf("custody %s != escrowed %s", held, f.eng.EscrowedTotal(ctx, domain.NativeToken))
		}
	}
	check()
	if err := f.eng.ExecuteCondition(ctx, keeper, a); err != nil {
		t.Fatal(err)
	}
	check()
	if err := f.eng.CancelCondition(ctx, bob, b); err != nil {
		t.Fatal(err)
	}
	check()
	f.chain.Advance(25*time.Hour, 0)
	if err := f.eng.MarkExpired(ctx, keeper, c); err != nil {
		t.Fatal(err)
	}
	// Expired funds stay escrowed until reclaimed.
	if f.balance(t, domain.NativeToken, custody).Int64() != 3 {
		t.Fatal("expiry moved funds")
	}
	if err := f.eng.ReclaimExpired(ctx, alice, c); err != nil {
		t.Fatal(err)
	}
	if f.balance(t, domain.NativeToken, custody).Sign() != 0 {
		t.Fatal("custody not empty after settlement")
	}
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit)
	req.ExpiresAt = genesis.Add(time.Hour)
	id := f.create(t, req)

	if err := f.eng.MarkExpired(ctx, keeper, id); !errors.Is(err, domain.ErrNotExpiredYet) {
		t.Fatalf("early expiry: got %v", err)
	}
	if err := f.eng.ReclaimExpired(ctx, alice, id); !errors.Is(err, domain.ErrNotExpiredYet) {
		t.Fatalf("early reclaim: got %v", err)
	}

	f.chain.Advance(time.Hour+time.Second, 0)
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("execute past deadline: got %v", err)
	}
	if err := f.eng.MarkExpired(ctx, keeper, id); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ReclaimExpired(ctx, bob, id); !errors.Is(err, domain.ErrNotCreator) {
		t.Fatalf("reclaim by stranger: got %v", err)
	}
	if err := f.eng.ReclaimExpired(ctx, alice, id); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ReclaimExpired(ctx, alice, id); !errors.Is(err, domain.ErrAlreadyReclaimed) {
		t.Fatalf("second reclaim: got %v", err)
	}
	if err := f.eng.MarkExpired(ctx, keeper, id); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second expiry: got %v", err)
	}
}

func TestExecuteAtDeadlineSucceeds(t *testing.T) {
	f := newFixture(t)
	req := f.nativeRequest(t, alice, domain.TimeTrigger{At: genesis.Add(time.Hour)}, oneUnit)
	req.ExpiresAt = genesis.Add(time.Hour)
	id := f.create(t, req)
	f.chain.Set(genesis.Add(time.Hour), 2000)
	if err := f.eng.ExecuteCondition(context.Background(), keeper, id); err != nil {
		t.Fatalf("execute at deadline: %v", err)
	}
}

func TestPauseGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit))

	if err := f.eng.Pause(ctx, alice); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("pause by stranger: got %v", err)
	}
	if err := f.eng.Pause(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.Pause(ctx, owner); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("double pause: got %v", err)
	}
	if _, err := f.eng.CreateCondition(ctx, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1}, oneUnit)); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("create while paused: got %v", err)
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("execute while paused: got %v", err)
	}
	if err := f.eng.CancelCondition(ctx, alice, id); !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("cancel while paused: got %v", err)
	}
	// Views keep working.
	if met, err := f.eng.IsConditionMet(ctx, id); err != nil || !met {
		t.Fatalf("view while paused: %v %v", met, err)
	}
	if err := f.eng.Unpause(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.Unpause(ctx, owner); !errors.Is(err, domain.ErrNotPaused) {
		t.Fatalf("double unpause: got %v", err)
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); err != nil {
		t.Fatal(err)
	}
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.eng.TransferOwnership(ctx, owner, common.Address{}); !errors.Is(err, domain.ErrZeroAddress) {
		t.Fatalf("zero owner: got %v", err)
	}
	if err := f.eng.TransferOwnership(ctx, owner, bob); err != nil {
		t.Fatal(err)
	}
	if f.eng.Owner(ctx) != bob {
		t.Fatal("owner not transferred")
	}
	if err := f.eng.Pause(ctx, owner); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("old owner pause: got %v", err)
	}
	if err := f.eng.Pause(ctx, bob); err != nil {
		t.Fatal(err)
	}
}

func TestReentrantRecipientIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit))
	second := f.create(t, f.nativeRequest(t, bob, domain.BlockTrigger{Height: 1000}, oneUnit))

	var reentryErr error
	f.ledger.SetReceiver(alice, ledger.ReceiverFunc(func(ctx context.Context, _, _ common.Address, _ *big.Int) error {
		// Views are allowed from inside the hook.
		if _, err := f.eng.Status(ctx, first); err != nil {
			return err
		}
		reentryErr = f.eng.ExecuteCondition(ctx, alice, second)
		return nil
	}))

	if err := f.eng.ExecuteCondition(ctx, keeper, first); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reentryErr, domain.ErrReentrantCall) {
		t.Fatalf("reentry: got %v", reentryErr)
	}
	if st, _ := f.eng.Status(ctx, second); st != domain.StatusActive {
		t.Fatalf("second condition status %s", st)
	}
}

func TestFailedPayoutRevertsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, f.nativeRequest(t, alice, domain.BlockTrigger{Height: 1000}, oneUnit))
	emitted := len(f.events.kinds())

	refuse := errors.New("recipient reverted")
	f.ledger.SetReceiver(alice, ledger.ReceiverFunc(func(context.Context, common.Address, common.Address, *big.Int) error {
		return refuse
	}))

	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	c, _ := f.eng.Condition(ctx, id)
	if c.Status != domain.StatusActive || c.ExecutedAt != nil || c.Executor != (common.Address{}) {
		t.Fatalf("state not reverted: %+v", c)
	}
	if err := f.eng.CancelCondition(ctx, alice, id); !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed on refund, got %v", err)
	}
	if st, _ := f.eng.Status(ctx, id); st != domain.StatusActive {
		t.Fatalf("status after failed cancel = %s", st)
	}
	if len(f.events.kinds()) != emitted {
		t.Fatal("failed calls emitted events")
	}

	f.ledger.SetReceiver(alice, nil)
	if err := f.eng.ExecuteCondition(ctx, keeper, id); err != nil {
		t.Fatal(err)
	}
}

func TestTokenBalanceIsReadLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trig := domain.BalanceTrigger{Token: usdc, Account: carol, MinBalance: big.NewInt(100)}
	id := f.create(t, f.nativeRequest(t, alice, trig, oneUnit))

	if met, _ := f.eng.IsConditionMet(ctx, id); met {
		t.Fatal("met with empty balance")
	}
	_ = f.ledger.Mint(ctx, usdc, carol, big.NewInt(100))
	if met, _ := f.eng.IsConditionMet(ctx, id); !met {
		t.Fatal("not met after mint")
	}
	_ = f.ledger.Transfer(ctx, usdc, carol, bob, big.NewInt(1))
	if met, _ := f.eng.IsConditionMet(ctx, id); met {
		t.Fatal("still met after balance dropped")
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrNotMet) {
		t.Fatalf("got %v", err)
	}
}

func TestUnknownID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.eng.Condition(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	if err := f.eng.ExecuteCondition(ctx, keeper, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestEventsInCommitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, f.nativeRequest(t, alice, domain.ApprovalTrigger{Required: 1}, oneUnit))
	_ = f.eng.AddApproval(ctx, bob, id)
	_ = f.eng.ExecuteCondition(ctx, keeper, id)
	_ = f.eng.Pause(ctx, owner)

	want := []domain.EventKind{
		domain.EventConditionCreated,
		domain.EventApprovalAdded,
		domain.EventConditionExecuted,
		domain.EventEnginePaused,
	}
	got := f.events.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, f.nativeRequest(t, alice, domain.ApprovalTrigger{Required: 2}, oneUnit))
	b := f.create(t, f.nativeRequest(t, bob, domain.BlockTrigger{Height: 1000}, big.NewInt(5)))
	_ = f.eng.AddApproval(ctx, carol, a)
	_ = f.eng.ExecuteCondition(ctx, keeper, b)
	_ = f.eng.Pause(ctx, owner)

	snap := f.eng.Snapshot(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restored := New(common.Address{}, f.chain, f.ledger.Custody(custody), f.ledger, logger)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if restored.Counter(ctx) != 2 || !restored.Paused(ctx) || restored.Owner(ctx) != owner {
		t.Fatalf("state = %+v", restored.State(ctx))
	}
	if !restored.HasApproved(ctx, a, carol) || restored.ApprovalCount(ctx, a) != 1 {
		t.Fatal("approvals not restored")
	}
	if ids := restored.UserConditions(ctx, bob); len(ids) != 1 || ids[0] != b {
		t.Fatalf("creator index = %v", ids)
	}
	if st, _ := restored.Status(ctx, b); st != domain.StatusExecuted {
		t.Fatalf("status = %s", st)
	}
	if err := restored.Restore(snap); err == nil {
		t.Fatal("restore over populated engine should fail")
	}
}

// flakyCommitter fails the next commit when fail is set and keeps the
// change sets it accepted.
type flakyCommitter struct {
	fail      bool
	committed []*domain.ChangeSet
}

func (c *flakyCommitter) Commit(_ context.Context, cs *domain.ChangeSet) error {
	if c.fail {
		c.fail = false
		return errors.New("connection reset")
	}
	c.committed = append(c.committed, cs)
	return nil
}

func TestCommitCarriesLedgerRows(t *testing.T) {
	f := newFixture(t)
	store := &flakyCommitter{}
	f.eng.WithCommitter(store)

	f.create(t, f.nativeRequest(t, alice, domain.TimeTrigger{At: genesis}, oneUnit))
	if len(store.committed) != 1 {
		t.Fatalf("commits = %d", len(store.committed))
	}
	cs := store.committed[0]
	if cs.Event == nil || cs.Event.Kind != domain.EventConditionCreated || cs.Event.State.Counter != 1 {
		t.Fatalf("event = %+v", cs.Event)
	}
	if len(cs.Balances) != 2 {
		t.Fatalf("balance rows = %v", cs.Balances)
	}
	for _, row := range cs.Balances {
		if row.Account == custody && row.Amount.Cmp(oneUnit) != 0 {
			t.Fatalf("custody row = %s", row.Amount)
		}
	}
}

func TestCommitFailureUndoesCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &flakyCommitter{}
	f.eng.WithCommitter(store)

	id := f.create(t, f.nativeRequest(t, alice, domain.TimeTrigger{At: genesis}, oneUnit))
	aliceBefore := f.balance(t, domain.NativeToken, alice)
	emitted := len(f.events.kinds())

	store.fail = true
	if err := f.eng.ExecuteCondition(ctx, keeper, id); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("execute err = %v", err)
	}
	if st, _ := f.eng.Status(ctx, id); st != domain.StatusActive {
		t.Fatalf("status after failed commit = %s", st)
	}
	if f.balance(t, domain.NativeToken, alice).Cmp(aliceBefore) != 0 || f.balance(t, domain.NativeToken, custody).Cmp(oneUnit) != 0 {
		t.Fatal("payout not reversed")
	}
	if len(f.events.kinds()) != emitted {
		t.Fatal("event emitted for an undone call")
	}

	store.fail = true
	if _, err := f.eng.CreateCondition(ctx, f.nativeRequest(t, bob, domain.TimeTrigger{At: genesis}, oneUnit)); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("create err = %v", err)
	}
	if f.eng.Counter(ctx) != 1 || len(f.eng.UserConditions(ctx, bob)) != 0 {
		t.Fatal("failed create left a record")
	}
	if f.balance(t, domain.NativeToken, custody).Cmp(oneUnit) != 0 {
		t.Fatal("escrow not reversed")
	}

	store.fail = true
	if err := f.eng.Pause(ctx, owner); !errors.Is(err, domain.ErrCommitFailed) || f.eng.Paused(ctx) {
		t.Fatalf("pause err = %v paused = %v", err, f.eng.Paused(ctx))
	}

	if err := f.eng.ExecuteCondition(ctx, keeper, id); err != nil {
		t.Fatal(err)
	}
	want := new(big.Int).Add(aliceBefore, oneUnit)
	if f.balance(t, domain.NativeToken, alice).Cmp(want) != 0 || f.balance(t, domain.NativeToken, custody).Sign() != 0 {
		t.Fatal("retry did not pay exactly once")
	}
}
