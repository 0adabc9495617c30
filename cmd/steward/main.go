// Command steward runs the conditional escrow engine. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// API server and keeper for the configured mode.
//
// Usage:
//
//	steward [-config config.toml]
//	steward encrypt-key -out keeper.json
//
// encrypt-key reads the private key and password from STEWARD_ENCRYPT_KEY and
// STEWARD_ENCRYPT_PASSWORD and writes a key file for keeper_wallet.encrypted_key_path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/steward/internal/app"
	"github.com/alanyoungcy/steward/internal/config"
	"github.com/alanyoungcy/steward/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("steward starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = application.Run(ctx)
	application.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("steward stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "keeper.json", "where to write the encrypted key file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, password := os.Getenv("STEWARD_ENCRYPT_KEY"), os.Getenv("STEWARD_ENCRYPT_PASSWORD")
	if key == "" || password == "" {
		return errors.New("set STEWARD_ENCRYPT_KEY and STEWARD_ENCRYPT_PASSWORD")
	}
	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
