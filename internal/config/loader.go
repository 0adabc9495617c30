package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STEWARD_"

// Load decodes the TOML file at path over Defaults, loads .env when present,
// and applies STEWARD_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Owner, "OWNER")

	setStr(&cfg.KeeperWallet.Address, "KEEPER_WALLET_ADDRESS")
	setStr(&cfg.KeeperWallet.PrivateKey, "KEEPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.KeeperWallet.EncryptedKeyPath, "KEEPER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.KeeperWallet.KeyPassword, "KEEPER_WALLET_KEY_PASSWORD")

	setStr(&cfg.Chain.Backend, "CHAIN_BACKEND")
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setDuration(&cfg.Chain.RPCTimeout, "CHAIN_RPC_TIMEOUT")
	setStr(&cfg.Chain.Genesis, "CHAIN_GENESIS")
	setDuration(&cfg.Chain.BlockInterval, "CHAIN_BLOCK_INTERVAL")

	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "POSTGRES_MAX_CONN_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")

	setStr(&cfg.Engine.CustodyAddress, "ENGINE_CUSTODY_ADDRESS")
	setInt(&cfg.Engine.EventBuffer, "ENGINE_EVENT_BUFFER")
	setDuration(&cfg.Engine.InstanceLockTTL, "ENGINE_INSTANCE_LOCK_TTL")

	setDuration(&cfg.Keeper.Interval, "KEEPER_INTERVAL")
	setBool(&cfg.Keeper.MarkExpired, "KEEPER_MARK_EXPIRED")
	setDuration(&cfg.Keeper.RetryBackoff, "KEEPER_RETRY_BACKOFF")
	setInt(&cfg.Keeper.ArchiveAfterDays, "KEEPER_ARCHIVE_AFTER_DAYS")
	setDuration(&cfg.Keeper.ArchiveInterval, "KEEPER_ARCHIVE_INTERVAL")

	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureMaxSkew, "SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	setBool(&cfg.Server.EnableFaucet, "SERVER_ENABLE_FAUCET")

	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// lookup returns the non-empty value of STEWARD_<key>.
func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
