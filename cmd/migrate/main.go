package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"LeverLedger/internal/config"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
	"LeverLedger/migrations"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and when each was applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LEVER_CONFIG           - config file (database.driver, database.dsn)")
	fmt.Println("  LEVER_DATABASE_DRIVER  - postgres or sqlite")
	fmt.Println("  LEVER_DATABASE_DSN     - connection string")
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default $LEVER_CONFIG)")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	var db *sql.DB
	switch cfg.Database.Driver {
	case "postgres":
		db, err = persistence.OpenPostgres(ctx, cfg.Database.DSN)
	case "sqlite":
		db, err = persistence.OpenSQLite(ctx, cfg.Database.DSN)
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, migrations.FS, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read migration status")
		}
		for _, st := range status {
			applied := "pending"
			if st.Applied {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-40s %s\n", st.Version, st.Filename, applied)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
