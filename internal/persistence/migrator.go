package persistence

import (
	"PerpSettle/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while migrating, so the service and cmd/migrate
// never apply the same file concurrently.
const migrationLockKey int64 = 0x70657270736574 // "perpset"

// Migrator applies numbered SQL files from a directory:
// {version}_{name}.up.sql and the matching .down.sql.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

type migration struct {
	version string
	up      string // file names
	down    string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: observability.NewLogger("migrator")}
}

// Up applies every pending migration in version order, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		pending, err := m.pending(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range pending {
			err := m.step(ctx, conn, mg.up,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, mg.version, mg.up)
			if err != nil {
				return err
			}
			m.logger.Info().Str("version", mg.version).Str("file", mg.up).Msg("applied migration")
		}
		if len(pending) == 0 {
			m.logger.Debug().Msg("schema up to date")
		}
		return nil
	})
}

// Down reverts the most recently applied migration. With nothing applied it is a no-op.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, upFile string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &upFile)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(upFile, ".up.sql") + ".down.sql"
		if err := m.step(ctx, conn, downFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Pending lists the up files not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	var files []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		pending, err := m.pending(ctx, conn)
		for _, mg := range pending {
			files = append(files, mg.up)
		}
		return err
	})
	return files, err
}

// locked runs fn on one connection holding the migration advisory lock, after making sure the
// bookkeeping table exists.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("migration unlock failed")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// step executes file and the bookkeeping statement in one transaction.
func (m *Migrator) step(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	body, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) pending(ctx context.Context, conn *sql.Conn) ([]migration, error) {
	all, err := m.scan()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []migration
	for _, mg := range all {
		if !applied[mg.version] {
			out = append(out, mg)
		}
	}
	return out, nil
}

// scan pairs up and down files by version. A version without an up file is an error.
func (m *Migrator) scan() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mg.up = name
		case strings.HasSuffix(name, ".down.sql"):
			mg.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", mg.version)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
