package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Keeper.Interval.Duration != 15*time.Second || cfg.Chain.BlockInterval.Duration != 12*time.Second {
		t.Fatalf("durations = %v / %v", cfg.Keeper.Interval, cfg.Chain.BlockInterval)
	}
	if !cfg.RunsKeeper() || !cfg.RunsServer() {
		t.Fatal("full mode should run both")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	if err := os.WriteFile(path, []byte("[server]\nprot = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "server.prot") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEWARD_MODE", "server")
	t.Setenv("STEWARD_SERVER_PORT", "9100")
	t.Setenv("STEWARD_KEEPER_INTERVAL", "3s")
	t.Setenv("STEWARD_REDIS_ENABLED", "true")
	t.Setenv("STEWARD_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("STEWARD_POSTGRES_PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "server" || cfg.Server.Port != 9100 || !cfg.Redis.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Keeper.Interval.Duration != 3*time.Second {
		t.Fatalf("interval = %v", cfg.Keeper.Interval)
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Fatalf("cors = %v", got)
	}
	if cfg.Postgres.Port != 5432 {
		t.Fatalf("malformed override applied: %d", cfg.Postgres.Port)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Chain.Backend = "evm"
	cfg.Engine.CustodyAddress = "0x0000000000000000000000000000000000000000"
	cfg.S3.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"chain: rpc_url is required",
		"custody_address",
		"s3: archiving needs postgres.enabled",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in:\n%v", want, err)
		}
	}
}

func TestValidateDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "full"
	cfg.KeeperWallet.Address = "0x0000000000000000000000000000000000000a11"
	cfg.Redis.Enabled = true
	cfg.Engine.InstanceLockTTL.Duration = 2 * time.Nanosecond
	cfg.Keeper.RetryBackoff.Duration = -time.Second
	cfg.Postgres.Enabled = true
	cfg.S3.Enabled = true
	cfg.S3.Bucket = "archive"
	cfg.Keeper.ArchiveAfterDays = 30
	cfg.Keeper.ArchiveInterval.Duration = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{
		"instance_lock_ttl must be >= 1s",
		"retry_backoff must be > 0",
		"archive_interval must be > 0",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in:\n%v", want, err)
		}
	}

	cfg.Engine.InstanceLockTTL.Duration = time.Second
	cfg.Keeper.RetryBackoff.Duration = time.Minute
	cfg.Keeper.ArchiveInterval.Duration = time.Hour
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	// The lock is only taken through redis.
	cfg.Redis.Enabled = false
	cfg.Engine.InstanceLockTTL.Duration = 0
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestKeeperModeNeedsWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "keeper"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "keeper_wallet") {
		t.Fatalf("err = %v", err)
	}
	cfg.KeeperWallet.EncryptedKeyPath = "keeper.json"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "key_password") {
		t.Fatalf("err = %v", err)
	}
	cfg.KeeperWallet.KeyPassword = "pw"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.KeeperWallet.PrivateKey = "deadbeef"
	cfg.Server.APIKey = "k"
	cfg.Notify.WebhookSecret = "s"

	out := RedactedConfig(&cfg)
	if out.KeeperWallet.PrivateKey != redacted || out.Server.APIKey != redacted || out.Notify.WebhookSecret != redacted {
		t.Fatalf("not redacted: %+v", out)
	}
	if out.Redis.Password != "" {
		t.Fatal("empty secret should stay empty")
	}
	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" || cfg.KeeperWallet.PrivateKey != "deadbeef" {
		t.Fatal("redacted copy aliases the original")
	}
}
