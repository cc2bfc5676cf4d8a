package migrate

import (
	"context"
	"testing"

	"missionline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	got, err := Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	want, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != want || want < 2 {
		t.Fatalf("expected schema version %d, got %d", want, got)
	}
	for _, table := range []string{"kv", "journal", "api_keys"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
