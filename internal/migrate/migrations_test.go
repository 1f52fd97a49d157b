package migrate_test

import (
	"context"
	"testing"

	"taskpoints/internal/db"
	"taskpoints/internal/migrate"
)

func TestApplyIsIncremental(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) < 3 {
		t.Fatalf("expected all migrations applied, got %v", applied)
	}
	again, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing on second run, got %v", again)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}
	if _, err := conn.ExecContext(ctx, `SELECT id, history_id FROM rewards`); err != nil {
		t.Fatalf("rewards table missing: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT key_hash FROM api_keys`); err != nil {
		t.Fatalf("api_keys table missing: %v", err)
	}
}
