// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database.DB
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestParseMigrationName verifies file name parsing.
func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOK bool
	}{
		{"V1__sync_queue.up.sql", 1, true},
		{"V12__meta.up.sql", 12, true},
		{"V1__sync_queue.down.sql", 0, false},
		{"V0__zero.up.sql", 0, false},
		{"Vx__bad.up.sql", 0, false},
		{"V3.up.sql", 0, false},
		{"README.md", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseMigrationName(tt.name, ".up.sql")
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseMigrationName(%q) = (%d, %v), want (%d, %v)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

// TestMigrate verifies the embedded schema applies and is idempotent.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	for _, table := range []string{"sync_queue", "sync_meta", "audit_log", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing after Migrate()", table)
		}
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("version query failed: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

// TestMigrator_UpDown verifies ordering, checksums and rollback with a
// synthetic migration set.
func TestMigrator_UpDown(t *testing.T) {
	db := openTestDB(t)
	migrations := fstest.MapFS{
		"V2__second.up.sql":   {Data: []byte("CREATE TABLE second (id INTEGER REFERENCES first(id));")},
		"V2__second.down.sql": {Data: []byte("DROP TABLE second;")},
		"V1__first.up.sql":    {Data: []byte("CREATE TABLE first (id INTEGER PRIMARY KEY);")},
		"V1__first.down.sql":  {Data: []byte("DROP TABLE first;")},
		"notes.txt":           {Data: []byte("ignored")},
	}

	m := NewMigrator(db, migrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(applied))
	}
	if applied[0].Description != "first" || len(applied[0].Checksum) != 64 {
		t.Errorf("first migration = %+v, want description 'first' and sha256 checksum", applied[0])
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "second") {
		t.Error("table second still exists after Down()")
	}
	if v, _ := m.CurrentVersion(); v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

// TestMigrator_DownWithoutMigrations verifies rolling back an empty schema fails.
func TestMigrator_DownWithoutMigrations(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() on empty schema should fail")
	}
}
