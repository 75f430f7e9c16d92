// Package syncstore is RuntimeBinding (spec §4.I): the public facade an
// embedding host program or upstream sync engine consumes. It wraps
// internal/lifecycle, internal/trigger, internal/outbox, and
// internal/registry behind a single Handle, the in-process analogue of the
// teacher's pkg/recall.Client.
package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hyperengineering/syncstore/internal/autopersist"
	"github.com/hyperengineering/syncstore/internal/blobstore"
	"github.com/hyperengineering/syncstore/internal/lifecycle"
	"github.com/hyperengineering/syncstore/internal/outbox"
	"github.com/hyperengineering/syncstore/internal/registry"
	"github.com/hyperengineering/syncstore/internal/schema"
	"github.com/hyperengineering/syncstore/internal/trigger"
)

// Config configures a Handle.
type Config struct {
	// BlobStoreDir is the PersistentBlobStore's on-disk directory.
	BlobStoreDir string
	// ScratchDir holds the live scratch SQLite file for the open UserDatabase.
	ScratchDir string
	// BlobStoreTimeout bounds every PersistentBlobStore operation.
	BlobStoreTimeout time.Duration
	// PersistInterval is the AutoPersistScheduler tick (spec §4.H). Zero
	// disables ticking; the scheduler still responds to Signal.
	PersistInterval time.Duration
	// AutomatedTestMode disables the scheduler loop and the dev-only
	// persist-verification read-back (spec §4.G, §4.H).
	AutomatedTestMode bool
	// ForcedReset seeds the ForcedResetSignal (spec §6.4).
	ForcedReset bool
}

// Handle is RuntimeBinding's published facade. One Handle wraps one
// process-wide Lifecycle; it is safe for concurrent use.
type Handle struct {
	store       *blobstore.Store
	lifecycle   *lifecycle.Lifecycle
	scheduler   *autopersist.Scheduler
	resetSignal *schema.ForcedResetSignal
	testMode    bool
}

// Open constructs a Handle: opens the PersistentBlobStore and wires the
// lifecycle and scheduler components. Callers own the returned Handle's
// lifetime and must call Shutdown when done.
func Open(cfg Config) (*Handle, error) {
	store, err := blobstore.Open(cfg.BlobStoreDir, cfg.BlobStoreTimeout)
	if err != nil {
		return nil, err
	}

	resetSignal := schema.NewForcedResetSignal(cfg.ForcedReset)
	lc := lifecycle.New(store, cfg.ScratchDir, resetSignal, cfg.AutomatedTestMode)

	h := &Handle{
		store:       store,
		lifecycle:   lc,
		resetSignal: resetSignal,
		testMode:    cfg.AutomatedTestMode,
	}
	h.scheduler = autopersist.New(lc, cfg.PersistInterval)

	return h, nil
}

// Initialize loads or creates userID's UserDatabase (spec §6.1 initialize).
func (h *Handle) Initialize(ctx context.Context, userID string) (*lifecycle.Handle, error) {
	return h.lifecycle.Initialize(ctx, userID)
}

// GetHandle returns the current ready UserDatabase handle.
func (h *Handle) GetHandle() (*lifecycle.Handle, error) {
	return h.lifecycle.GetHandle()
}

// Persist snapshots the current UserDatabase immediately.
func (h *Handle) Persist(ctx context.Context) error {
	return h.lifecycle.Persist(ctx)
}

// Close persists (if ready) and releases the current UserDatabase.
func (h *Handle) Close(ctx context.Context) error {
	return h.lifecycle.Close(ctx)
}

// Clear destroys the current user's stored state.
func (h *Handle) Clear(ctx context.Context) error {
	return h.lifecycle.Clear(ctx)
}

// SuppressTriggers disables change capture on db (spec §6.1).
func (h *Handle) SuppressTriggers(ctx context.Context, db *sql.DB) error {
	return trigger.Suppress(ctx, db)
}

// EnableTriggers re-enables change capture on db.
func (h *Handle) EnableTriggers(ctx context.Context, db *sql.DB) error {
	return trigger.Enable(ctx, db)
}

// AreTriggersSuppressed reports db's current trigger-control state.
func (h *Handle) AreTriggersSuppressed(ctx context.Context, db *sql.DB) (bool, error) {
	return trigger.IsSuppressed(ctx, db)
}

// CompactPushQueue exports and deletes already-synced push-queue rows older
// than cutoff, writing a JSONL audit trail under auditDir first. Not part
// of RuntimeBinding's required surface (spec §6.1) — an operational
// complement for hosts that want to bound the push queue's growth
// themselves rather than relying solely on the upstream sync engine to
// drain it.
func (h *Handle) CompactPushQueue(ctx context.Context, db *sql.DB, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error) {
	return trigger.CompactPushQueue(ctx, db, cutoff, auditDir)
}

// GetRawEngine returns the live *sql.DB for the current UserDatabase, or
// nil if none is ready — a diagnostics-only escape hatch (spec §6.1).
func (h *Handle) GetRawEngine() *sql.DB {
	ud, err := h.lifecycle.GetHandle()
	if err != nil {
		return nil
	}
	return ud.Engine.DB
}

// LoadOutboxBackup returns userID's stored OutboxBackup, or nil if none.
func (h *Handle) LoadOutboxBackup(ctx context.Context, userID string) (*outbox.Backup, error) {
	return outbox.Load(ctx, h.store, userID)
}

// SaveOutboxBackup persists backup under userID.
func (h *Handle) SaveOutboxBackup(ctx context.Context, userID string, backup *outbox.Backup) error {
	return outbox.Save(ctx, h.store, userID, backup)
}

// ClearOutboxBackup removes userID's stored OutboxBackup.
func (h *Handle) ClearOutboxBackup(ctx context.Context, userID string) error {
	return outbox.Clear(ctx, h.store, userID)
}

// ReplayOutboxBackup applies backup's items to db.
func (h *Handle) ReplayOutboxBackup(ctx context.Context, db *sql.DB, backup *outbox.Backup) (*outbox.ReplayResult, error) {
	return outbox.Replay(ctx, db, backup)
}

// Registry returns the static SyncableTableRegistry in sync order.
func (h *Handle) Registry() []registry.TableDef {
	return registry.Registry
}

// TableSyncOrder returns the syncable table names in registry order.
func (h *Handle) TableSyncOrder() []string {
	return registry.Names()
}

// DebugState returns the current lifecycle state-machine snapshot (spec §6.1).
func (h *Handle) DebugState() lifecycle.DebugState {
	return h.lifecycle.DebugState()
}

// RunAutoPersist blocks, persisting on a tick and on every SignalPersist
// call, until ctx is cancelled. Under AutomatedTestMode it returns at once
// without running the scheduler, so nothing is persisted by it.
func (h *Handle) RunAutoPersist(ctx context.Context) {
	if h.testMode {
		return
	}
	h.scheduler.Run(ctx)
}

// SignalPersist requests an out-of-band persist on the scheduler's next
// loop iteration, without waiting for a tick.
func (h *Handle) SignalPersist() {
	h.scheduler.Signal()
}

// Shutdown closes the current UserDatabase (persisting first) and the
// underlying PersistentBlobStore.
func (h *Handle) Shutdown(ctx context.Context) error {
	closeErr := h.lifecycle.Close(ctx)
	storeErr := h.store.Close()
	return errors.Join(closeErr, storeErr)
}
