package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path on top of the defaults, loads .env if
// present, applies LEVER_* overrides and returns the result. An empty path
// skips the file. The Config is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Path picks the config file: the flag value, else LEVER_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("LEVER_CONFIG")
}

func applyEnvOverrides(cfg *Config) {
	// Server
	setStr(&cfg.Server.HTTPAddr, "LEVER_SERVER_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "LEVER_SERVER_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "LEVER_SERVER_METRICS_ADDR")
	setFloat64(&cfg.Server.RateLimitPerSecond, "LEVER_SERVER_RATE_LIMIT_PER_SECOND")
	setInt(&cfg.Server.RateLimitBurst, "LEVER_SERVER_RATE_LIMIT_BURST")

	// Auth
	setStr(&cfg.Auth.JWTSecret, "LEVER_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "LEVER_AUTH_ISSUER")
	setStringSlice(&cfg.Auth.Admins, "LEVER_AUTH_ADMINS")

	// Database
	setStr(&cfg.Database.Driver, "LEVER_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "LEVER_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "LEVER_POSTGRES_DSN") // compatibility alias

	// NATS
	setBool(&cfg.NATS.Enabled, "LEVER_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "LEVER_NATS_URL")

	// Redis
	setBool(&cfg.Redis.Enabled, "LEVER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LEVER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LEVER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.QuoteTTL, "LEVER_REDIS_QUOTE_TTL")
	setDuration(&cfg.Redis.LockTTL, "LEVER_REDIS_LOCK_TTL")

	// S3
	setBool(&cfg.S3.Enabled, "LEVER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEVER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "LEVER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "LEVER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVER_S3_FORCE_PATH_STYLE")

	// Ledger
	setInt(&cfg.Ledger.PersistChanSize, "LEVER_PERSIST_CHAN_SIZE")
	setInt(&cfg.Ledger.ProjectionChanSize, "LEVER_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Ledger.PersistBatchSize, "LEVER_PERSIST_BATCH_SIZE")
	setInt64(&cfg.Ledger.SnapshotInterval, "LEVER_SNAPSHOT_INTERVAL")
	setInt(&cfg.Ledger.IdempotencyCapacity, "LEVER_IDEMPOTENCY_LRU_CAPACITY")

	// Token
	setStr(&cfg.Token.Driver, "LEVER_TOKEN_DRIVER")
	setStr(&cfg.Token.RPCURL, "LEVER_TOKEN_RPC_URL")
	setStr(&cfg.Token.Address, "LEVER_TOKEN_ADDRESS")
	setStr(&cfg.Token.VaultKey, "LEVER_TOKEN_VAULT_KEY")
	setStr(&cfg.Token.Lender, "LEVER_TOKEN_LENDER")
	setInt64(&cfg.Token.ChainID, "LEVER_TOKEN_CHAIN_ID")

	setStr(&cfg.Log.Level, "LEVER_LOG_LEVEL")
}

// Each setter only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
