package syncstore

import (
	"context"
	"testing"
	"time"
)

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Open(Config{
		BlobStoreDir:      t.TempDir(),
		ScratchDir:        t.TempDir(),
		BlobStoreTimeout:  2 * time.Second,
		PersistInterval:   0,
		AutomatedTestMode: true,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func TestOpen_InitializeAndPersist(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()

	ud, err := h.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	db := h.GetRawEngine()
	if db == nil {
		t.Fatal("GetRawEngine() returned nil after successful Initialize()")
	}
	if _, err := db.Exec(`INSERT INTO tune (id, title) VALUES (?, ?)`, "t1", "A Tune"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := h.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	if ud.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", ud.UserID)
	}
}

func TestTriggerSuppression_RoundTrip(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()

	if _, err := h.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	db := h.GetRawEngine()

	suppressed, err := h.AreTriggersSuppressed(ctx, db)
	if err != nil {
		t.Fatalf("AreTriggersSuppressed() error = %v", err)
	}
	if suppressed {
		t.Fatal("expected triggers enabled by default")
	}

	if err := h.SuppressTriggers(ctx, db); err != nil {
		t.Fatalf("SuppressTriggers() error = %v", err)
	}
	suppressed, err = h.AreTriggersSuppressed(ctx, db)
	if err != nil {
		t.Fatalf("AreTriggersSuppressed() error = %v", err)
	}
	if !suppressed {
		t.Error("expected triggers suppressed after SuppressTriggers()")
	}

	if err := h.EnableTriggers(ctx, db); err != nil {
		t.Fatalf("EnableTriggers() error = %v", err)
	}
}

func TestRegistry_ReturnsSyncOrder(t *testing.T) {
	h := newTestHandle(t)
	names := h.TableSyncOrder()
	if len(names) == 0 {
		t.Fatal("expected at least one syncable table name")
	}
	if names[0] != "tune" {
		t.Errorf("first table = %q, want tune", names[0])
	}
}

func TestOutboxBackup_LoadMissingReturnsNil(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()

	if got, err := h.LoadOutboxBackup(ctx, "alice"); err != nil || got != nil {
		t.Fatalf("LoadOutboxBackup() = %v, %v, want nil, nil", got, err)
	}
}

func TestGetRawEngine_NilBeforeInitialize(t *testing.T) {
	h := newTestHandle(t)
	if db := h.GetRawEngine(); db != nil {
		t.Error("expected nil engine before any Initialize() call")
	}
}
