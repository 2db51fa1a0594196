package migrate

import (
	"database/sql"
	"testing"

	"storyflow/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	first, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if first == 0 {
		t.Fatal("expected a nonzero schema version after migrate")
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	second, err := Version(conn)
	if err != nil {
		t.Fatalf("version after rerun: %v", err)
	}
	if second != first {
		t.Fatalf("version changed on rerun: %d -> %d", first, second)
	}
	if _, err := conn.Exec(`INSERT INTO ideas(title, submitted_by, created_at) VALUES ('x', 'a', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema not usable: %v", err)
	}
}

func TestVersionOnFreshDatabase(t *testing.T) {
	conn := openTestDB(t)
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version 0 before migrate, got %d", v)
	}
}

func TestLoadScriptsOrdered(t *testing.T) {
	scripts, err := loadScripts()
	if err != nil {
		t.Fatalf("load scripts: %v", err)
	}
	if len(scripts) == 0 {
		t.Fatal("no embedded schema scripts")
	}
	for i := 1; i < len(scripts); i++ {
		if scripts[i].version <= scripts[i-1].version {
			t.Fatalf("scripts out of order: %s before %s", scripts[i-1].name, scripts[i].name)
		}
	}
}
