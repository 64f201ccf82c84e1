package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"LeverLedger/internal/config"
	"LeverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lender = "0x00000000000000000000000000000000000000e1"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leverledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// valid is a memory-token, sqlite config that passes Validate.
func valid() config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = ":memory:"
	cfg.Token.Driver = "memory"
	cfg.Token.VaultAddress = "0x00000000000000000000000000000000000000f0"
	cfg.Token.Lender = lender
	return cfg
}

func TestDefaults_ProtocolParams(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, state.DefaultProtocolParams(), cfg.Params())
	assert.NoError(t, state.ValidateProtocolParams(cfg.Params()))
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":18080"
database:
  driver: sqlite
  dsn: /tmp/lever.db
redis:
  quote_ttl: 30s
protocol:
  max_ltv: 600000
  trade_fee_bps: 10
auth:
  admins: ["0x00000000000000000000000000000000000000ad"]
`)
	t.Setenv("LEVER_SERVER_GRPC_ADDR", ":19090")
	t.Setenv("LEVER_AUTH_JWT_SECRET", "from-env")
	t.Setenv("LEVER_REDIS_LOCK_TTL", "20s")
	t.Setenv("LEVER_AUTH_ADMINS", " 0x00000000000000000000000000000000000000aa , ")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":19090", cfg.Server.GRPCAddr)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr, "untouched fields keep defaults")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Redis.QuoteTTL)
	assert.Equal(t, 20*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, []common.Address{common.HexToAddress("0xaa")}, cfg.AdminAddresses())

	p := cfg.Params()
	assert.Equal(t, int64(600_000), p.MaxLTV)
	assert.Equal(t, int64(10), p.TradeFeeBps)
	assert.Equal(t, state.DefaultProtocolParams().SettlementFeeBps, p.SettlementFeeBps)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "server:\n  htp_addr: x\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Setenv("LEVER_LOG_LEVEL", "debug")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestPath(t *testing.T) {
	t.Setenv("LEVER_CONFIG", "/etc/lever.yaml")
	assert.Equal(t, "/etc/lever.yaml", config.Path(""))
	assert.Equal(t, "cli.yaml", config.Path("cli.yaml"))
}

func TestValidate(t *testing.T) {
	good := valid()
	require.NoError(t, good.Validate())

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"short secret", func(c *config.Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"bad admin", func(c *config.Config) { c.Auth.Admins = []string{"bob"} }, "admin"},
		{"bad driver", func(c *config.Config) { c.Database.Driver = "mysql" }, "unknown driver"},
		{"empty dsn", func(c *config.Config) { c.Database.DSN = " " }, "dsn"},
		{"bad level", func(c *config.Config) { c.Log.Level = "trace" }, "log"},
		{"bad asset", func(c *config.Config) { c.Ledger.Asset = "DOGE" }, "asset"},
		{"bad lender", func(c *config.Config) { c.Token.Lender = "" }, "lender"},
		{"erc20 without rpc", func(c *config.Config) { c.Token.Driver = "erc20" }, "rpc_url"},
		{"ltv at one", func(c *config.Config) { c.Protocol.MaxLTV = 1_000_000 }, "max_ltv"},
		{"fee too high", func(c *config.Config) { c.Protocol.SettlementFeeBps = 10_001 }, "settlement_fee_bps"},
		{"redis lock ttl", func(c *config.Config) { c.Redis.Enabled = true; c.Redis.LockTTL = 0 }, "lock_ttl"},
		{"s3 bucket", func(c *config.Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "bucket"},
		{"burst", func(c *config.Config) { c.Server.RateLimitBurst = 0 }, "burst"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := valid()
	cfg.Log.Level = "loud"
	cfg.Database.Driver = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log:")
	assert.Contains(t, err.Error(), "database:")
}
