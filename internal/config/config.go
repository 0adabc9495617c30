// Package config defines the steward configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then overridden by STEWARD_* environment variables.
type Config struct {
	// Owner is the engine owner address used when no persisted state exists.
	Owner        string             `toml:"owner"`
	KeeperWallet KeeperWalletConfig `toml:"keeper_wallet"`
	Chain        ChainConfig        `toml:"chain"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Engine       EngineConfig       `toml:"engine"`
	Keeper       KeeperConfig       `toml:"keeper"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// KeeperWalletConfig identifies the keeper. A key, when given, wins over
// Address.
type KeeperWalletConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig selects where block time, height and token balances come from.
type ChainConfig struct {
	// Backend is "local" (wall clock) or "evm" (JSON-RPC node).
	Backend       string   `toml:"backend"`
	RPCURL        string   `toml:"rpc_url"`
	RPCTimeout    duration `toml:"rpc_timeout"`
	Genesis       string   `toml:"genesis"`
	BlockInterval duration `toml:"block_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// EngineConfig tunes the condition engine.
type EngineConfig struct {
	// CustodyAddress is the ledger account that holds escrowed funds.
	CustodyAddress string `toml:"custody_address"`
	EventBuffer    int    `toml:"event_buffer"`
	// InstanceLockTTL bounds how long a crashed instance blocks a restart.
	InstanceLockTTL duration `toml:"instance_lock_ttl"`
}

// KeeperConfig tunes the keeper and the archiver.
type KeeperConfig struct {
	Interval         duration `toml:"interval"`
	MarkExpired      bool     `toml:"mark_expired"`
	RetryBackoff     duration `toml:"retry_backoff"`
	ArchiveAfterDays int      `toml:"archive_after_days"`
	ArchiveInterval  duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string `toml:"api_key"`
	// RequireSignatures makes mutating calls prove their caller address.
	// When false the X-Steward-Address header is trusted.
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureMaxSkew  duration `toml:"signature_max_skew"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
	// EnableFaucet exposes POST /api/ledger/mint to the owner.
	EnableFaucet bool `toml:"enable_faucet"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so TOML strings like "15s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Backend:       "local",
			RPCTimeout:    duration{10 * time.Second},
			BlockInterval: duration{12 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "steward",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "steward",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "steward-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			CustodyAddress:  "0x5737657761726400000000000000000000000000",
			EventBuffer:     256,
			InstanceLockTTL: duration{30 * time.Second},
		},
		Keeper: KeeperConfig{
			Interval:         duration{15 * time.Second},
			MarkExpired:      true,
			RetryBackoff:     duration{time.Minute},
			ArchiveAfterDays: 30,
			ArchiveInterval:  duration{6 * time.Hour},
		},
		Server: ServerConfig{
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequireSignatures: true,
			SignatureMaxSkew:  duration{5 * time.Minute},
			RateLimit:         120,
			RateWindow:        duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"condition_executed", "condition_expired", "engine_paused", "engine_unpaused", "ownership_transferred"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsServer reports whether the mode serves the HTTP API.
func (c *Config) RunsServer() bool { return c.Mode == "server" || c.Mode == "full" }

// RunsKeeper reports whether the mode runs the keeper and archiver.
func (c *Config) RunsKeeper() bool { return c.Mode == "keeper" || c.Mode == "full" }

// HasKeeperKey reports whether a keeper private key source is configured.
func (c *Config) HasKeeperKey() bool {
	return c.KeeperWallet.PrivateKey != "" || c.KeeperWallet.EncryptedKeyPath != ""
}

// Validate checks Config and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		add("unknown mode %q (valid: server, keeper, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Owner != "" && !isAddress(c.Owner) {
		add("owner: %q is not an address", c.Owner)
	}
	if !isAddress(c.Engine.CustodyAddress) {
		add("engine: custody_address %q is not a non-zero address", c.Engine.CustodyAddress)
	}

	if c.RunsKeeper() {
		if !c.HasKeeperKey() && !isAddress(c.KeeperWallet.Address) {
			add("keeper_wallet: address, private_key or encrypted_key_path is required for mode %s", c.Mode)
		}
		if c.Keeper.Interval.Duration <= 0 {
			add("keeper: interval must be > 0")
		}
		if c.Keeper.RetryBackoff.Duration <= 0 {
			add("keeper: retry_backoff must be > 0")
		}
		if c.Keeper.ArchiveAfterDays < 0 {
			add("keeper: archive_after_days must be >= 0")
		}
		if c.S3.Enabled && c.Keeper.ArchiveAfterDays > 0 && c.Keeper.ArchiveInterval.Duration <= 0 {
			add("keeper: archive_interval must be > 0")
		}
	}
	if c.KeeperWallet.EncryptedKeyPath != "" && c.KeeperWallet.KeyPassword == "" {
		add("keeper_wallet: key_password is required when encrypted_key_path is set")
	}

	switch c.Chain.Backend {
	case "local":
		if c.Chain.Genesis != "" {
			if _, err := time.Parse(time.RFC3339, c.Chain.Genesis); err != nil {
				add("chain: genesis must be RFC 3339: %v", err)
			}
		}
	case "evm":
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url is required for the evm backend")
		}
	default:
		add("chain: unknown backend %q (valid: local, evm)", c.Chain.Backend)
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be within 0..pool_max_conns")
		}
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		// The instance lock is refreshed every ttl/3.
		if c.Engine.InstanceLockTTL.Duration < time.Second {
			add("engine: instance_lock_ttl must be >= 1s when redis is enabled, got %s", c.Engine.InstanceLockTTL.Duration)
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if c.S3.Enabled && !c.Postgres.Enabled {
		add("s3: archiving needs postgres.enabled")
	}

	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		add("notify: telegram_chat_id is required with telegram_token")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
