// Command leverledger runs the leveraged prediction-market ledger service.
//
//	leverledger [-config path]                     serve (default)
//	leverledger token -sub 0x... [-ttl 24h]        issue a caller token
//	leverledger rebuild-projections                rebuild balances from the journal
//	leverledger verify                             print the integrity report
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LeverLedger/internal/config"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/query"
	"LeverLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $LEVER_CONFIG)")
	flag.Parse()

	logger := observability.NewLogger("main")

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.Log.Level)
	logger = observability.NewLoggerWithLevel("main", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := cfg.Validate(); err != nil {
			logger.Fatal().Err(err).Msg("invalid configuration")
		}
		err = run(ctx, stop, cfg, level, logger)
	case "token":
		err = issueToken(cfg, args)
	case "rebuild-projections":
		err = withDB(ctx, cfg, logger, func(db *sql.DB) error {
			return projection.RebuildProjections(ctx, db, logger)
		})
	case "verify":
		err = withDB(ctx, cfg, logger, func(db *sql.DB) error {
			report, err := query.NewQueryService(db).VerifyIntegrity(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.IsHealthy {
				return fmt.Errorf("ledger integrity check failed")
			}
			return nil
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (serve, token, rebuild-projections, verify)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("exited with error")
	}
}

func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "caller address")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*sub) {
		return fmt.Errorf("-sub %q is not an address", *sub)
	}
	auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	tok, err := auth.Issue(common.HexToAddress(*sub), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func withDB(ctx context.Context, cfg *config.Config, logger zerolog.Logger, fn func(*sql.DB) error) error {
	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
