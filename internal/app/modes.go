package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/steward/internal/domain"
	"github.com/alanyoungcy/steward/internal/server"
	"github.com/alanyoungcy/steward/internal/server/handler"
	"github.com/alanyoungcy/steward/internal/server/ws"
	"github.com/alanyoungcy/steward/internal/service"
)

// ServerMode serves the HTTP API and WebSocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, rt *Runtime, lost <-chan struct{}) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := a.baseGroup(ctx, rt, lost)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// KeeperMode runs the keeper and, when S3 is wired, the archive job.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies, rt *Runtime, lost <-chan struct{}) error {
	a.logger.InfoContext(ctx, "starting keeper mode")
	wallet, err := keeperWallet(a.cfg)
	if err != nil {
		return err
	}
	g, ctx := a.baseGroup(ctx, rt, lost)
	a.startKeeper(ctx, g, deps, rt, wallet)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, rt *Runtime, lost <-chan struct{}) error {
	a.logger.InfoContext(ctx, "starting full mode")
	wallet, err := keeperWallet(a.cfg)
	if err != nil {
		return err
	}
	g, ctx := a.baseGroup(ctx, rt, lost)
	a.startKeeper(ctx, g, deps, rt, wallet)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// baseGroup starts what every mode needs: the indexer draining engine events
// and the watch on the instance lock.
func (a *App) baseGroup(ctx context.Context, rt *Runtime, lost <-chan struct{}) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Indexer.Run(ctx)
	})

	if lost != nil {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-lost:
				return errors.New("app: engine instance lock lost")
			}
		})
	}
	return g, ctx
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *Runtime, wallet common.Address) {
	var locks domain.LockManager
	if deps.LockManager != nil {
		locks = deps.LockManager
	}
	keeper := service.NewKeeper(rt.Engine, deps.Chain, locks, wallet, service.KeeperConfig{
		Interval:     a.cfg.Keeper.Interval.Duration,
		MarkExpired:  a.cfg.Keeper.MarkExpired,
		RetryBackoff: a.cfg.Keeper.RetryBackoff.Duration,
	}, a.logger)
	g.Go(func() error {
		return keeper.Run(ctx)
	})

	if deps.Archiver != nil && a.cfg.Keeper.ArchiveAfterDays > 0 {
		job := service.NewArchiveJob(
			deps.Archiver,
			time.Duration(a.cfg.Keeper.ArchiveAfterDays)*24*time.Hour,
			a.cfg.Keeper.ArchiveInterval.Duration,
			a.logger,
		)
		g.Go(func() error {
			return job.Run(ctx)
		})
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *Runtime) {
	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels:  []string{service.ConditionsChannel},
		Origins:   a.cfg.Server.CORSOrigins,
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
		Status:    func(ctx context.Context) any { return rt.Engine.State(ctx) },
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequireSignatures: a.cfg.Server.RequireSignatures,
		SignatureMaxSkew:  a.cfg.Server.SignatureMaxSkew.Duration,
		Replay:            deps.ReplayGuard,
		RateLimit:         a.cfg.Server.RateLimit,
		RateWindow:        a.cfg.Server.RateWindow.Duration,
		EnableFaucet:      a.cfg.Server.EnableFaucet,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, deps.HealthChecks),
		Conditions: handler.NewConditionHandler(rt.Engine, a.logger),
		Engine:     handler.NewEngineHandler(rt.Engine, a.logger),
		Ledger:     handler.NewLedgerHandler(rt.Ledger, rt.Custody, rt.Engine.Owner, a.logger),
		Events:     handler.NewEventHandler(deps.EventLog, deps.AuditStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "HTTP server configured",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("require_signatures", a.cfg.Server.RequireSignatures),
		slog.Bool("faucet", a.cfg.Server.EnableFaucet),
	)
}
