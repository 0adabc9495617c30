package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/chain"
	"github.com/alanyoungcy/steward/internal/config"
	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/engine"
	"github.com/alanyoungcy/steward/internal/notify"
	"github.com/alanyoungcy/steward/internal/service"
)

const (
	devKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// savedStore is a ConditionStore holding one persisted engine.
type savedStore struct {
	domain.ConditionStore // unused methods panic

	state      *domain.EngineState
	conditions []domain.Condition
	approvals  []domain.Approval
}

func (s *savedStore) LoadState(context.Context) (domain.EngineState, error) {
	if s.state == nil {
		return domain.EngineState{}, fmt.Errorf("test: %w", domain.ErrNotFound)
	}
	return *s.state, nil
}

func (s *savedStore) LoadConditions(context.Context) ([]domain.Condition, error) {
	return s.conditions, nil
}

func (s *savedStore) LoadApprovals(context.Context) ([]domain.Approval, error) {
	return s.approvals, nil
}

type savedLedger struct {
	balances []domain.BalanceRow
	saved    int
}

func (l *savedLedger) SaveRows(_ context.Context, balances []domain.BalanceRow, allowances []domain.AllowanceRow) error {
	l.saved += len(balances) + len(allowances)
	return nil
}

func (l *savedLedger) LoadBalances(context.Context) ([]domain.BalanceRow, error) {
	return l.balances, nil
}

func (l *savedLedger) LoadAllowances(context.Context) ([]domain.AllowanceRow, error) {
	return nil, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Owner = owner.Hex()
	return &cfg
}

func testDeps(store domain.ConditionStore, ledgerStore domain.LedgerStore) *Dependencies {
	return &Dependencies{
		ConditionStore: store,
		LedgerStore:    ledgerStore,
		SignalBus:      service.NewLocalBus(0),
		Chain:          chain.NewManual(genesis, 100),
		Notifier:       notify.NewNotifier(nil, nil, discard()),
	}
}

func TestKeeperWallet(t *testing.T) {
	cases := []struct {
		name    string
		address string
		key     string
		want    string
		wantErr string
	}{
		{name: "address only", address: alice.Hex(), want: alice.Hex()},
		{name: "key only", key: devKey, want: devAddr},
		{name: "matching key and address", key: "0x" + devKey, address: strings.ToLower(devAddr), want: devAddr},
		{name: "mismatch", key: devKey, address: alice.Hex(), wantErr: "keeper key is for"},
		{name: "nothing", wantErr: "not configured"},
		{name: "bad key", key: "zz", wantErr: "keeper key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.KeeperWallet.Address = tc.address
			cfg.KeeperWallet.PrivateKey = tc.key
			got, err := keeperWallet(cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Hex() != tc.want {
				t.Fatalf("wallet = %s, want %s", got.Hex(), tc.want)
			}
		})
	}
}

func TestBuildRuntimeFreshWithoutStore(t *testing.T) {
	cfg := testConfig()
	rt, err := BuildRuntime(context.Background(), cfg, testDeps(nil, nil), discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if rt.Engine.Owner(ctx) != owner || rt.Engine.Counter(ctx) != 0 {
		t.Fatalf("state = %+v", rt.Engine.State(ctx))
	}
	if rt.Custody != common.HexToAddress(cfg.Engine.CustodyAddress) || rt.Engine.CustodyAddress() != rt.Custody {
		t.Fatalf("custody = %s", rt.Custody.Hex())
	}
}

func TestBuildRuntimeNothingSavedYet(t *testing.T) {
	rt, err := BuildRuntime(context.Background(), testConfig(), testDeps(&savedStore{}, nil), discard())
	if err != nil {
		t.Fatal(err)
	}
	if rt.Engine.Owner(context.Background()) != owner {
		t.Fatal("fresh engine should be owned by the configured owner")
	}
}

func TestBuildRuntimeRestores(t *testing.T) {
	newOwner := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	cfg := testConfig()
	custody := common.HexToAddress(cfg.Engine.CustodyAddress)
	trigger, err := domain.EncodeTrigger(domain.ApprovalTrigger{Required: 2})
	if err != nil {
		t.Fatal(err)
	}

	store := &savedStore{
		state: &domain.EngineState{Owner: newOwner, Paused: true, Counter: 2},
		conditions: []domain.Condition{
			{
				ID: 2, Creator: alice, Recipient: alice, Type: domain.ConditionMultisigApproval,
				TriggerData: trigger, PayoutAmount: big.NewInt(10), Status: domain.StatusActive,
				CreatedAt: genesis, ExpiresAt: genesis.Add(time.Hour),
			},
		},
		approvals: []domain.Approval{{ConditionID: 2, Approver: owner, ApprovedAt: genesis}},
	}
	ledgerStore := &savedLedger{balances: []domain.BalanceRow{
		{Token: domain.NativeToken, Account: custody, Amount: big.NewInt(10)},
	}}

	rt, err := BuildRuntime(context.Background(), cfg, testDeps(store, ledgerStore), discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	st := rt.Engine.State(ctx)
	if st.Owner != newOwner || !st.Paused || st.Counter != 2 {
		t.Fatalf("state = %+v", st)
	}
	if !rt.Engine.HasApproved(ctx, 2, owner) || rt.Engine.ApprovalCount(ctx, 2) != 1 {
		t.Fatal("approval not restored")
	}
	if ids := rt.Engine.UserConditions(ctx, alice); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("user conditions = %v", ids)
	}
	bal, _ := rt.Ledger.BalanceOf(ctx, domain.NativeToken, custody)
	if bal.Int64() != 10 {
		t.Fatalf("custody balance = %s", bal)
	}
	if ledgerStore.saved != 0 {
		t.Fatal("loading the ledger must not write it back")
	}
}

func TestBuildRuntimeRejectsCorruptState(t *testing.T) {
	store := &savedStore{
		state: &domain.EngineState{Owner: owner, Counter: 1},
		conditions: []domain.Condition{
			{ID: 5, Creator: alice, PayoutAmount: big.NewInt(1), Status: domain.StatusActive},
		},
	}
	if _, err := BuildRuntime(context.Background(), testConfig(), testDeps(store, nil), discard()); err == nil {
		t.Fatal("expected restore error for id beyond counter")
	}
}

func TestBuildRuntimeRejectsShortCustody(t *testing.T) {
	cfg := testConfig()
	custody := common.HexToAddress(cfg.Engine.CustodyAddress)
	trigger, err := domain.EncodeTrigger(domain.ApprovalTrigger{Required: 1})
	if err != nil {
		t.Fatal(err)
	}
	store := &savedStore{
		state: &domain.EngineState{Owner: owner, Counter: 2},
		conditions: []domain.Condition{
			{
				ID: 1, Creator: alice, Recipient: alice, Type: domain.ConditionMultisigApproval,
				TriggerData: trigger, PayoutAmount: big.NewInt(10), Status: domain.StatusActive,
				CreatedAt: genesis, ExpiresAt: genesis.Add(time.Hour),
			},
			{
				ID: 2, Creator: alice, Recipient: alice, Type: domain.ConditionMultisigApproval,
				TriggerData: trigger, PayoutAmount: big.NewInt(10), Status: domain.StatusExpired,
				CreatedAt: genesis, ExpiresAt: genesis.Add(time.Hour),
			},
		},
	}
	// Ten short: the expired condition has not been reclaimed yet.
	ledgerStore := &savedLedger{balances: []domain.BalanceRow{
		{Token: domain.NativeToken, Account: custody, Amount: big.NewInt(10)},
	}}
	_, err = BuildRuntime(context.Background(), cfg, testDeps(store, ledgerStore), discard())
	if err == nil || !strings.Contains(err.Error(), "custody holds 10") {
		t.Fatalf("err = %v", err)
	}
}

// memDB is a database shared by successive runtimes. Commits apply a whole
// change set or nothing; failNext makes the next commit of a kind fail.
type memDB struct {
	domain.ConditionStore // unused methods panic

	mu         sync.Mutex
	state      *domain.EngineState
	conditions map[uint64]domain.Condition
	approvals  []domain.Approval
	balances   map[[2]common.Address]*big.Int
	failNext   domain.EventKind
}

func newMemDB() *memDB {
	return &memDB{
		conditions: map[uint64]domain.Condition{},
		balances:   map[[2]common.Address]*big.Int{},
	}
}

func (db *memDB) Commit(_ context.Context, cs *domain.ChangeSet) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ev := cs.Event
	if ev.Kind == db.failNext {
		db.failNext = ""
		return errors.New("connection reset")
	}
	if ev.Condition != nil {
		db.conditions[ev.Condition.ID] = ev.Condition.Clone()
	}
	if ev.Approval != nil {
		db.approvals = append(db.approvals, *ev.Approval)
	}
	st := ev.State
	db.state = &st
	db.applyRows(cs.Balances)
	return nil
}

func (db *memDB) applyRows(rows []domain.BalanceRow) {
	for _, r := range rows {
		db.balances[[2]common.Address{r.Token, r.Account}] = new(big.Int).Set(r.Amount)
	}
}

func (db *memDB) SaveRows(_ context.Context, balances []domain.BalanceRow, _ []domain.AllowanceRow) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.applyRows(balances)
	return nil
}

func (db *memDB) LoadBalances(context.Context) ([]domain.BalanceRow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.BalanceRow
	for k, amount := range db.balances {
		out = append(out, domain.BalanceRow{Token: k[0], Account: k[1], Amount: new(big.Int).Set(amount)})
	}
	return out, nil
}

func (db *memDB) LoadAllowances(context.Context) ([]domain.AllowanceRow, error) { return nil, nil }

func (db *memDB) LoadState(context.Context) (domain.EngineState, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == nil {
		return domain.EngineState{}, fmt.Errorf("test: %w", domain.ErrNotFound)
	}
	return *db.state, nil
}

func (db *memDB) LoadConditions(context.Context) ([]domain.Condition, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Condition
	for _, c := range db.conditions {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (db *memDB) LoadApprovals(context.Context) ([]domain.Approval, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]domain.Approval(nil), db.approvals...), nil
}

func TestFailedCommitDoesNotPayTwiceAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	custody := common.HexToAddress(cfg.Engine.CustodyAddress)
	db := newMemDB()
	clock := chain.NewManual(genesis, 100)
	deps := testDeps(db, db)
	deps.Committer = db
	deps.Chain = clock

	balance := func(rt *Runtime, account common.Address) int64 {
		t.Helper()
		b, err := rt.Ledger.BalanceOf(ctx, domain.NativeToken, account)
		if err != nil {
			t.Fatal(err)
		}
		return b.Int64()
	}

	rt, err := BuildRuntime(ctx, cfg, deps, discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Ledger.Mint(ctx, domain.NativeToken, alice, big.NewInt(20)); err != nil {
		t.Fatal(err)
	}
	trigger, err := domain.EncodeTrigger(domain.TimeTrigger{At: genesis.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		_, err := rt.Engine.CreateCondition(ctx, engine.CreateRequest{
			Creator:      alice,
			Type:         domain.ConditionTimeBased,
			TriggerData:  trigger,
			PayoutAmount: big.NewInt(10),
			PayoutToken:  domain.NativeToken,
			ExpiresAt:    genesis.Add(time.Hour),
			Value:        big.NewInt(10),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(2*time.Minute, 10)

	db.mu.Lock()
	db.failNext = domain.EventConditionExecuted
	db.mu.Unlock()
	if err := rt.Engine.ExecuteCondition(ctx, owner, 1); !errors.Is(err, domain.ErrCommitFailed) {
		t.Fatalf("err = %v, want ErrCommitFailed", err)
	}
	if st, _ := rt.Engine.Status(ctx, 1); st != domain.StatusActive {
		t.Fatalf("status after failed commit = %s", st)
	}
	if balance(rt, alice) != 0 || balance(rt, custody) != 20 {
		t.Fatalf("failed commit moved funds: alice %d custody %d", balance(rt, alice), balance(rt, custody))
	}

	// Restart from what was stored.
	rt, err = BuildRuntime(ctx, cfg, deps, discard())
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := rt.Engine.Status(ctx, 1); st != domain.StatusActive {
		t.Fatalf("restored status = %s", st)
	}
	if balance(rt, alice) != 0 || balance(rt, custody) != 20 {
		t.Fatalf("restored ledger: alice %d custody %d", balance(rt, alice), balance(rt, custody))
	}

	if err := rt.Engine.ExecuteCondition(ctx, owner, 1); err != nil {
		t.Fatal(err)
	}
	if err := rt.Engine.ExecuteCondition(ctx, owner, 1); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second execute err = %v", err)
	}

	rt, err = BuildRuntime(ctx, cfg, deps, discard())
	if err != nil {
		t.Fatal(err)
	}
	if balance(rt, alice) != 10 || balance(rt, custody) != 10 {
		t.Fatalf("alice %d custody %d, want 10 and 10", balance(rt, alice), balance(rt, custody))
	}
	if st, _ := rt.Engine.Status(ctx, 1); st != domain.StatusExecuted {
		t.Fatalf("status = %s", st)
	}
	if st, _ := rt.Engine.Status(ctx, 2); st != domain.StatusActive {
		t.Fatalf("other condition status = %s", st)
	}
}
