package ledger

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_idem?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"return_tokens", "decisions", "decision_boms", "replays", "commit_receipts", "policy_snapshots"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationHelpers(t *testing.T) {
	if _, table, err := migrationConfig(DBPostgres); err != nil || table != "arcana_schema_migrations" {
		t.Fatalf("expected postgres config, got %s %v", table, err)
	}
	if _, _, err := migrationConfig(DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if err := Migrate(nil, DBSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}

	files, err := listMigrationFiles("migrations/postgres")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(files) == 0 || files[0] != "migrations/postgres/0001_init.sql" {
		t.Fatalf("unexpected migration files: %v", files)
	}
}
