package queue

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/tunnelcore/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := db.AutoMigrate(&database.PersistedOperation{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestGormStore_SaveLoadDelete(t *testing.T) {
	store := NewGormStore(setupTestDB(t))

	saved := Operation{
		ID:            "op-1",
		Identity:      "tenant-a",
		Priority:      PriorityHigh,
		Payload:       []byte("payload bytes"),
		Headers:       map[string]string{"x-trace": "t1"},
		Deadline:      time.Now().Add(time.Hour).UTC(),
		EnqueuedAt:    time.Now().UTC(),
		RetryCount:    2,
		CorrelationID: "corr-1",
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ops, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("loaded %d operations, want 1", len(ops))
	}
	got := ops[0]
	if got.ID != "op-1" || got.Identity != "tenant-a" || got.Priority != PriorityHigh {
		t.Errorf("loaded = %+v", got)
	}
	if string(got.Payload) != "payload bytes" || got.Headers["x-trace"] != "t1" {
		t.Errorf("payload/headers lost: %+v", got)
	}
	if got.RetryCount != 2 || got.CorrelationID != "corr-1" {
		t.Errorf("retry/correlation lost: %+v", got)
	}

	if err := store.Delete("op-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ops, _ = store.Load()
	if len(ops) != 0 {
		t.Errorf("loaded %d operations after delete, want 0", len(ops))
	}
}

func TestGormStore_SaveIsUpsert(t *testing.T) {
	store := NewGormStore(setupTestDB(t))

	op := Operation{ID: "op-1", Identity: "tenant-a", Priority: PriorityHigh, EnqueuedAt: time.Now().UTC()}
	if err := store.Save(op); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	op.RetryCount = 3
	if err := store.Save(op); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	ops, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("loaded %d rows, want 1 (upsert)", len(ops))
	}
	if ops[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3 (updated)", ops[0].RetryCount)
	}
}

func TestGormStore_DeleteMissingIsNoError(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	if err := store.Delete("ghost"); err != nil {
		t.Errorf("Delete of absent row: %v", err)
	}
}

// Durability round-trip through the real store: enqueue high priority,
// simulate a restart with a fresh queue over the same database, restore,
// and confirm the operation is present exactly once.
func TestQueue_DurabilityRoundTripSqlite(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormStore(db)

	q1, _ := newTestQueue(10, store)
	q1.Enqueue(Operation{ID: "h1", Identity: "tenant-a", Priority: PriorityHigh, Payload: []byte("x")})

	// Process restart: new in-memory queue, same database.
	q2, _ := newTestQueue(10, store)
	restored, err := q2.RestorePersisted()
	if err != nil {
		t.Fatalf("RestorePersisted: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}

	count := 0
	for {
		got, ok := q2.Dequeue("tenant-a")
		if !ok {
			break
		}
		if got.ID == "h1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("h1 present %d times after restore, want exactly once", count)
	}

	// Restore again: nothing left, dequeue cleared the mirror.
	q3, _ := newTestQueue(10, store)
	restored, _ = q3.RestorePersisted()
	if restored != 0 {
		t.Errorf("second restore = %d, want 0 (mirror cleared on dequeue)", restored)
	}
}
