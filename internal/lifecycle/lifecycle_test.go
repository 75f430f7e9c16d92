package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/syncstore/internal/blobstore"
	"github.com/hyperengineering/syncstore/internal/outbox"
	"github.com/hyperengineering/syncstore/internal/schema"
)

func newTestLifecycle(t *testing.T) *Lifecycle {
	t.Helper()
	store, err := blobstore.Open(t.TempDir(), 2*time.Second)
	if err != nil {
		t.Fatalf("blobstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, t.TempDir(), schema.NewForcedResetSignal(false), true)
}

func insertTune(t *testing.T, db *sql.DB, id, title string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO tune (id, title) VALUES (?, ?)`, id, title); err != nil {
		t.Fatalf("insert tune: %v", err)
	}
}

func TestInitialize_FreshUserCreatesSchema(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	h, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if h.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", h.UserID)
	}

	var name string
	row := h.Engine.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'tune'`)
	if err := row.Scan(&name); err != nil {
		t.Fatalf("tune table missing after initialize: %v", err)
	}
}

func TestInitialize_SameUserReturnsSameHandle(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	h1, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if h1.Engine != h2.Engine {
		t.Error("expected the same engine handle for a repeated same-user initialize")
	}
}

// TestInitialize_UserSwitchPersistsOutgoing is property 7 (user isolation):
// switching users must persist the outgoing user's data and make it
// recoverable on a later initialize.
func TestInitialize_UserSwitchPersistsOutgoing(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	hAlice, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize(alice) error = %v", err)
	}
	insertTune(t, hAlice.Engine.DB, "t1", "Alice's Reel")

	if _, err := l.Initialize(ctx, "bob"); err != nil {
		t.Fatalf("Initialize(bob) error = %v", err)
	}

	hAlice2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize(alice) again error = %v", err)
	}

	var title string
	row := hAlice2.Engine.DB.QueryRow(`SELECT title FROM tune WHERE id = ?`, "t1")
	if err := row.Scan(&title); err != nil {
		t.Fatalf("expected alice's tune to survive the user switch: %v", err)
	}
	if title != "Alice's Reel" {
		t.Errorf("title = %q, want %q", title, "Alice's Reel")
	}
}

// TestClear_ThenInitializeStartsFresh checks that Clear() destroys the
// stored snapshot: clearing a user's data and re-initializing must produce
// an empty database, not a resurrection of the deleted snapshot.
func TestClear_ThenInitializeStartsFresh(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	h, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	insertTune(t, h.Engine.DB, "t1", "Gone Soon")
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	h2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() after clear error = %v", err)
	}
	var count int
	if err := h2.Engine.DB.QueryRow(`SELECT count(*) FROM tune`).Scan(&count); err != nil {
		t.Fatalf("count tune: %v", err)
	}
	if count != 0 {
		t.Errorf("tune count after clear+reinit = %d, want 0", count)
	}
}

// TestClear_ConcurrentWithInitialize is S6: a clear racing an in-flight
// initialize must never let the initialize publish a handle built from
// state the clear just destroyed.
func TestClear_ConcurrentWithInitialize(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	if _, err := l.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("warm Initialize() error = %v", err)
	}
	if err := l.Clear(ctx); err != nil {
		t.Fatalf("warm Clear() error = %v", err)
	}

	var wg sync.WaitGroup
	var initErr, clearErr error
	var handle *Handle

	wg.Add(2)
	go func() {
		defer wg.Done()
		handle, initErr = l.Initialize(ctx, "alice")
	}()
	go func() {
		defer wg.Done()
		clearErr = l.Clear(ctx)
	}()
	wg.Wait()

	if clearErr != nil {
		t.Fatalf("Clear() error = %v", clearErr)
	}
	if initErr != nil && !errors.Is(initErr, ErrInitAborted) {
		t.Fatalf("Initialize() error = %v, want nil or ErrInitAborted", initErr)
	}
	if initErr == nil && handle == nil {
		t.Fatal("Initialize() returned nil error and nil handle")
	}

	state := l.DebugState()
	if state.IsClearing {
		t.Error("DebugState().IsClearing should be false once Clear() has returned")
	}
}

func TestPersist_NoOpBeforeReady(t *testing.T) {
	l := newTestLifecycle(t)
	if err := l.Persist(context.Background()); err != nil {
		t.Errorf("Persist() before any initialize returned error = %v, want nil", err)
	}
}

func TestGetHandle_NotInitializedError(t *testing.T) {
	l := newTestLifecycle(t)
	if _, err := l.GetHandle(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetHandle() error = %v, want ErrNotInitialized", err)
	}
}

func TestGetHandle_ReturnsReadyHandle(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()
	if _, err := l.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	h, err := l.GetHandle()
	if err != nil {
		t.Fatalf("GetHandle() error = %v", err)
	}
	if h.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", h.UserID)
	}
}

// TestInitialize_StaleVersionBacksUpAndReplays is S4: a stored snapshot one
// version behind current, with a pending push-queue item, must be backed
// up, discarded, rebuilt from fresh DDL, and have its backup replayed back
// in — leaving the old row present under the new schema.
func TestInitialize_StaleVersionBacksUpAndReplays(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()

	h, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	insertTune(t, h.Engine.DB, "t1", "Stale Reel")

	var pending int
	if err := h.Engine.DB.QueryRow(`SELECT count(*) FROM sync_push_queue WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("count pending push queue items: %v", err)
	}
	if pending == 0 {
		t.Fatal("expected the tune insert to leave a pending push queue item")
	}

	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := schema.SetStored(ctx, l.store, "alice", schema.CurrentSchemaVersion-1); err != nil {
		t.Fatalf("SetStored(stale) error = %v", err)
	}

	h2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() over stale version error = %v", err)
	}

	var title string
	if err := h2.Engine.DB.QueryRow(`SELECT title FROM tune WHERE id = ?`, "t1").Scan(&title); err != nil {
		t.Fatalf("expected the old row to survive via replay: %v", err)
	}
	if title != "Stale Reel" {
		t.Errorf("title = %q, want %q", title, "Stale Reel")
	}

	backup, err := outbox.Load(ctx, l.store, "alice")
	if err != nil {
		t.Fatalf("outbox.Load() after replay error = %v", err)
	}
	if backup != nil {
		t.Error("expected the outbox backup to be cleared after a successful replay")
	}

	stored, err := schema.GetStored(ctx, l.store, "alice")
	if err != nil {
		t.Fatalf("GetStored() error = %v", err)
	}
	if stored != schema.CurrentSchemaVersion {
		t.Errorf("stored version = %d, want %d", stored, schema.CurrentSchemaVersion)
	}
}

// TestInitialize_ForcedResetDiscardsBackupAndWatermark is S5: a forced
// reset with a current stored version and a pending push-queue item must
// still rebuild from fresh DDL, but never replay — the backup, push queue,
// and watermark are all left empty.
func TestInitialize_ForcedResetDiscardsBackupAndWatermark(t *testing.T) {
	store, err := blobstore.Open(t.TempDir(), 2*time.Second)
	if err != nil {
		t.Fatalf("blobstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resetSignal := schema.NewForcedResetSignal(false)
	l := New(store, t.TempDir(), resetSignal, true)
	ctx := context.Background()

	h, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	insertTune(t, h.Engine.DB, "t1", "About To Vanish")
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := store.Save(ctx, watermarkKey("alice"), []byte("2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	resetSignal.Activate()

	h2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() under forced reset error = %v", err)
	}

	var count int
	if err := h2.Engine.DB.QueryRow(`SELECT count(*) FROM tune`).Scan(&count); err != nil {
		t.Fatalf("count tune: %v", err)
	}
	if count != 0 {
		t.Errorf("tune count after forced reset = %d, want 0 (no replay)", count)
	}

	var queueCount int
	if err := h2.Engine.DB.QueryRow(`SELECT count(*) FROM sync_push_queue`).Scan(&queueCount); err != nil {
		t.Fatalf("count push queue: %v", err)
	}
	if queueCount != 0 {
		t.Errorf("sync_push_queue count after forced reset = %d, want 0", queueCount)
	}

	backup, err := outbox.Load(ctx, store, "alice")
	if err != nil {
		t.Fatalf("outbox.Load() error = %v", err)
	}
	if backup != nil {
		t.Error("expected the outbox backup to be discarded on forced reset")
	}

	wm, err := getWatermark(ctx, store, "alice")
	if err != nil {
		t.Fatalf("getWatermark() error = %v", err)
	}
	if wm != "" {
		t.Errorf("watermark = %q, want empty after forced reset", wm)
	}
}

func TestClose_PersistsAndNullsState(t *testing.T) {
	l := newTestLifecycle(t)
	ctx := context.Background()
	h, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	insertTune(t, h.Engine.DB, "t1", "Before Close")

	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := l.GetHandle(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetHandle() after Close() error = %v, want ErrNotInitialized", err)
	}

	h2, err := l.Initialize(ctx, "alice")
	if err != nil {
		t.Fatalf("Initialize() after Close() error = %v", err)
	}
	var title string
	if err := h2.Engine.DB.QueryRow(`SELECT title FROM tune WHERE id = ?`, "t1").Scan(&title); err != nil {
		t.Fatalf("expected snapshot persisted by Close() to survive: %v", err)
	}
}
