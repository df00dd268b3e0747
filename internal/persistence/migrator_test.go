package persistence_test

import (
	"PerpSettle/internal/persistence"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// --- Test helpers ---

func migrationsDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func expectLocked(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
}

var sampleMigrations = map[string]string{
	"000001_event_log.up.sql":   "CREATE TABLE a (id INT);",
	"000001_event_log.down.sql": "DROP TABLE a;",
	"000002_custody.up.sql":     "CREATE TABLE b (id INT);",
	"000002_custody.down.sql":   "DROP TABLE b;",
}

// =============================================================================
// Test: Migrator
// =============================================================================

func TestMigrator_UpAppliesOnlyPending(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, sampleMigrations))

	expectLocked(mock)
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO public.schema_migrations").
		WithArgs("000002", "000002_custody.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_UpRollsBackFailedFile(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, sampleMigrations))

	expectLocked(mock)
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT);")).WillReturnError(os.ErrPermission)
	mock.ExpectRollback()
	expectUnlock(mock)

	err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "000001_event_log.up.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_DownRevertsLatest(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, sampleMigrations))

	expectLocked(mock)
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_custody.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE b;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM public.schema_migrations").WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_DownWithNothingApplied(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, sampleMigrations))

	expectLocked(mock)
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}))
	expectUnlock(mock)

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down on empty schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_Pending(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, sampleMigrations))

	expectLocked(mock)
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	expectUnlock(mock)

	pending, err := m.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "000002_custody.up.sql" {
		t.Errorf("pending: got %v", pending)
	}
}

func TestMigrator_RejectsDownWithoutUp(t *testing.T) {
	db, mock := newMock(t)
	m := persistence.NewMigrator(db, migrationsDir(t, map[string]string{"000003_orphan.down.sql": "SELECT 1;"}))

	expectLocked(mock)
	expectUnlock(mock)

	if _, err := m.Pending(context.Background()); err == nil || !strings.Contains(err.Error(), "no up file") {
		t.Fatalf("expected orphan error, got %v", err)
	}
}
