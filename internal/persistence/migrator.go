package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies {version}_{name}.up.sql / .down.sql files from an fs.FS
// and records them in schema_migrations.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// MigrationStatus is one row of the status report.
type MigrationStatus struct {
	Version   string
	Filename  string
	Applied   bool
	AppliedAt time.Time
}

// NewMigrator reads migrations from files: migrations.FS in the service,
// os.DirFS(dir) from the migrate tool.
func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger.With().Str("component", "migrator").Logger()}
}

// Up applies every pending migration in version order, one transaction each.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	pending, err := m.scripts(upSuffix)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, name := range pending {
		version := extractVersion(name)
		if applied[version] {
			continue
		}
		err := m.execScript(ctx, name,
			`INSERT INTO schema_migrations (version, filename, applied_at_us) VALUES ($1, $2, $3)`,
			version, name, time.Now().UnixMicro(),
		)
		if err != nil {
			return err
		}
		m.logger.Info().Str("migration", name).Msg("applied migration")
	}
	return nil
}

// Down reverts the most recent migration. Nothing applied is not an error.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, name string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	case err != nil:
		return fmt.Errorf("get latest migration: %w", err)
	}

	down := strings.TrimSuffix(name, upSuffix) + downSuffix
	if err := m.execScript(ctx, down, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return err
	}
	m.logger.Info().Str("migration", down).Msg("rolled back migration")
	return nil
}

// AppliedVersions returns the set of applied migration versions.
func (m *Migrator) AppliedVersions(ctx context.Context) (map[string]bool, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(status))
	for _, s := range status {
		if s.Applied {
			applied[s.Version] = true
		}
	}
	return applied, nil
}

// Status lists every known up-migration, applied or not, plus any recorded
// version whose file is no longer shipped.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, filename, applied_at_us FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byVersion := make(map[string]MigrationStatus)
	for rows.Next() {
		var s MigrationStatus
		var at int64
		if err := rows.Scan(&s.Version, &s.Filename, &at); err != nil {
			return nil, err
		}
		s.Applied = true
		s.AppliedAt = time.UnixMicro(at).UTC()
		byVersion[s.Version] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names, err := m.scripts(upSuffix)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		v := extractVersion(name)
		if _, ok := byVersion[v]; !ok {
			byVersion[v] = MigrationStatus{Version: v, Filename: name}
		}
	}

	out := make([]MigrationStatus, 0, len(byVersion))
	for _, s := range byVersion {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// execScript runs a migration file and its bookkeeping statement atomically.
func (m *Migrator) execScript(ctx context.Context, name, record string, args ...any) error {
	body, err := fs.ReadFile(m.files, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version       TEXT   PRIMARY KEY,
			filename      TEXT   NOT NULL,
			applied_at_us BIGINT NOT NULL
		)
	`)
	return err
}

func (m *Migrator) scripts(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// extractVersion: "000001_event_log.up.sql" -> "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
