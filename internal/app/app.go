// Package app wires the steward process together: it connects the configured
// backends, restores the engine, and runs the API server and keeper for the
// selected mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/steward/internal/config"
	"github.com/alanyoungcy/steward/internal/crypto"
	"github.com/alanyoungcy/steward/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, takes the engine instance lock, restores the
// engine and blocks in the configured mode until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Only one process may own the engine state.
	var lost <-chan struct{}
	if deps.LockManager != nil {
		release, l, err := deps.LockManager.Hold(ctx, instanceLockKey, a.cfg.Engine.InstanceLockTTL.Duration)
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another steward instance owns the engine: %w", err)
		}
		if err != nil {
			return fmt.Errorf("app: instance lock: %w", err)
		}
		a.closers = append(a.closers, release)
		lost = l
	}

	rt, err := BuildRuntime(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	switch a.cfg.Mode {
	case "server":
		return a.ServerMode(ctx, deps, rt, lost)
	case "keeper":
		return a.KeeperMode(ctx, deps, rt, lost)
	case "full":
		return a.FullMode(ctx, deps, rt, lost)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// keeperWallet resolves the address the keeper acts as. A configured key
// wins; it must match keeper_wallet.address when both are set.
func keeperWallet(cfg *config.Config) (common.Address, error) {
	signer, err := crypto.LoadSigner(crypto.KeySource{
		RawHex:   cfg.KeeperWallet.PrivateKey,
		File:     cfg.KeeperWallet.EncryptedKeyPath,
		Password: cfg.KeeperWallet.KeyPassword,
	})
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		if !common.IsHexAddress(cfg.KeeperWallet.Address) {
			return common.Address{}, errors.New("app: keeper wallet address is not configured")
		}
		return common.HexToAddress(cfg.KeeperWallet.Address), nil
	case err != nil:
		return common.Address{}, fmt.Errorf("app: keeper key: %w", err)
	}

	if cfg.KeeperWallet.Address != "" && common.HexToAddress(cfg.KeeperWallet.Address) != signer.Address() {
		return common.Address{}, fmt.Errorf("app: keeper key is for %s, not %s", signer.Address().Hex(), cfg.KeeperWallet.Address)
	}
	return signer.Address(), nil
}
