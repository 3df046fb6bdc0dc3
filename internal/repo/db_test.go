package repo

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLite_CreatesAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	// All tables usable end to end.
	ctx := context.Background()
	a, err := CreateAgent(ctx, db, "u1", "bot")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	src, err := CreateQaSource(ctx, db, a.ID, []string{"q"}, "a")
	if err != nil {
		t.Fatalf("CreateQaSource: %v", err)
	}
	if err := InsertChunks(ctx, db, src.ID, []ChunkInput{{Question: "q", Content: "Q: q\nA: a", Index: 0, Embedding: []float32{1}}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	var migrated []string
	for _, table := range []string{
		"agents", "qa_sources", "qa_source_chunks",
		"chat_sessions", "messages", "message_feedback", "idempotency",
	} {
		if db.Migrator().HasTable(table) {
			migrated = append(migrated, table)
		}
	}
	if len(migrated) != 7 {
		t.Fatalf("expected all 7 tables, got %v", migrated)
	}

	// Foreign keys pragma was applied.
	var fk int
	if err := db.Raw("PRAGMA foreign_keys;").Scan(&fk).Error; err != nil {
		t.Fatalf("pragma query: %v", err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fk)
	}
}

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "nope", "app.db"))
	if err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}
