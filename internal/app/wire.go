package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/steward/internal/blob/s3"
	"github.com/alanyoungcy/steward/internal/cache/redis"
	"github.com/alanyoungcy/steward/internal/chain"
	"github.com/alanyoungcy/steward/internal/chain/evm"
	"github.com/alanyoungcy/steward/internal/config"
	"github.com/alanyoungcy/steward/internal/crypto"
	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/engine"
	"github.com/alanyoungcy/steward/internal/ledger"
	"github.com/alanyoungcy/steward/internal/notify"
	"github.com/alanyoungcy/steward/internal/server/handler"
	"github.com/alanyoungcy/steward/internal/service"
	"github.com/alanyoungcy/steward/internal/store/postgres"
)

// instanceLockKey guards the single process allowed to own the engine state.
const instanceLockKey = "engine:instance"

// Dependencies bundles the infrastructure the modes run on. Optional
// backends are nil when disabled in config.
type Dependencies struct {
	// PostgreSQL
	ConditionStore domain.ConditionStore
	Committer      domain.Committer
	EventLog       handler.EventLog
	AuditStore     domain.AuditStore
	LedgerStore    domain.LedgerStore

	// Redis
	LockManager *redis.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	ReplayGuard domain.ReplayGuard

	// S3
	Archiver domain.Archiver

	Chain    engine.Chain
	Balances engine.BalanceReader // nil means the local ledger
	Notifier *notify.Notifier

	HealthChecks map[string]handler.HealthCheck
}

// Wire connects every enabled backend and returns them with a cleanup func
// that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: map[string]handler.HealthCheck{}}

	// --- PostgreSQL ---
	var conditions *postgres.ConditionStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		conditions = postgres.NewConditionStore(pool)
		deps.ConditionStore = conditions
		deps.Committer = postgres.NewCommitter(pool)
		deps.EventLog = conditions
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = service.NewLocalBus(0)
		deps.ReplayGuard = service.NewLocalReplayGuard()
	}

	// --- S3 archive (needs the condition store as its source) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.HealthChecks["s3"] = s3Client.Health
		if conditions != nil {
			deps.Archiver = s3blob.NewConditionArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				conditions,
				deps.AuditStore,
				logger,
			)
		} else {
			logger.WarnContext(ctx, "s3 enabled without postgres, archiving disabled")
		}
	}

	// --- Chain ---
	switch cfg.Chain.Backend {
	case "evm":
		client, err := evm.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.RPCTimeout.Duration, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: chain: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Chain = client
		deps.Balances = client
	default:
		genesis := time.Now().UTC()
		if cfg.Chain.Genesis != "" {
			t, err := time.Parse(time.RFC3339, cfg.Chain.Genesis)
			if err != nil {
				return fail(fmt.Errorf("wire: chain genesis: %w", err))
			}
			genesis = t
		}
		deps.Chain = chain.NewLocal(genesis, cfg.Chain.BlockInterval.Duration)
	}
	deps.HealthChecks["chain"] = func(ctx context.Context) error {
		_, err := deps.Chain.BlockNumber(ctx)
		return err
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, crypto.NewWebhookSigner(cfg.Notify.WebhookSecret)))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// Runtime is the engine and the services wrapped around it.
type Runtime struct {
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Indexer *service.Indexer
	Custody common.Address
}

// BuildRuntime restores the ledger and engine from PostgreSQL (when enabled)
// and attaches the committer and the indexer. Without a stored state the engine starts empty,
// owned by cfg.Owner.
func BuildRuntime(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Runtime, error) {
	var journal ledger.Journal
	if deps.LedgerStore != nil {
		journal = deps.LedgerStore
	}
	l := ledger.New(journal, logger)
	if deps.LedgerStore != nil {
		balances, err := deps.LedgerStore.LoadBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load balances: %w", err)
		}
		allowances, err := deps.LedgerStore.LoadAllowances(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load allowances: %w", err)
		}
		if err := l.Load(balances, allowances); err != nil {
			return nil, fmt.Errorf("app: load ledger: %w", err)
		}
	}

	var balances engine.BalanceReader = l
	if deps.Balances != nil {
		balances = deps.Balances
	}

	snap, restored, err := loadSnapshot(ctx, deps.ConditionStore)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(cfg.Owner)
	if restored {
		owner = snap.State.Owner
	}

	custody := common.HexToAddress(cfg.Engine.CustodyAddress)
	indexer := service.NewIndexer(deps.SignalBus, deps.AuditStore, deps.Notifier, cfg.Engine.EventBuffer, logger)
	eng := engine.New(owner, deps.Chain, l.Custody(custody), balances, logger).WithEmitter(indexer)
	if deps.Committer != nil {
		eng.WithCommitter(deps.Committer)
	}

	if restored {
		if err := eng.Restore(snap); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if err := checkCustody(ctx, l, custody, snap.Conditions); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "engine restored",
			slog.Uint64("counter", snap.State.Counter),
			slog.Int("conditions", len(snap.Conditions)),
			slog.Int("approvals", len(snap.Approvals)),
			slog.Bool("paused", snap.State.Paused),
		)
	} else {
		logger.InfoContext(ctx, "starting fresh engine", slog.String("owner", owner.Hex()))
	}

	return &Runtime{Engine: eng, Ledger: l, Indexer: indexer, Custody: custody}, nil
}

// checkCustody fails when the custody account holds less of a token than the
// restored conditions still owe from it.
func checkCustody(ctx context.Context, l *ledger.Ledger, custody common.Address, conditions []domain.Condition) error {
	owed := make(map[common.Address]*big.Int)
	for _, c := range conditions {
		held := c.Status == domain.StatusActive ||
			(c.Status == domain.StatusExpired && c.ReclaimedAt == nil)
		if !held || c.PayoutAmount == nil {
			continue
		}
		sum, ok := owed[c.PayoutToken]
		if !ok {
			sum = new(big.Int)
			owed[c.PayoutToken] = sum
		}
		sum.Add(sum, c.PayoutAmount)
	}
	for token, want := range owed {
		have, err := l.BalanceOf(ctx, token, custody)
		if err != nil {
			return fmt.Errorf("app: custody balance: %w", err)
		}
		if have.Cmp(want) < 0 {
			return fmt.Errorf("app: custody holds %s of token %s but conditions owe %s", have, token.Hex(), want)
		}
	}
	return nil
}

// loadSnapshot reads the persisted engine. restored is false when there is no
// store or nothing has been saved yet.
func loadSnapshot(ctx context.Context, store domain.ConditionStore) (engine.Snapshot, bool, error) {
	if store == nil {
		return engine.Snapshot{}, false, nil
	}
	state, err := store.LoadState(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("app: %w", err)
	}
	conditions, err := store.LoadConditions(ctx)
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("app: %w", err)
	}
	approvals, err := store.LoadApprovals(ctx)
	if err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("app: %w", err)
	}
	return engine.Snapshot{State: state, Conditions: conditions, Approvals: approvals}, true, nil
}
