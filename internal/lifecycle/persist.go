package lifecycle

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/syncstore/internal/engine"
	"github.com/hyperengineering/syncstore/internal/schema"
)

// persistHandle exports h's current state and writes it under userID's
// snapshot and version keys. Never writes the version key without also
// writing the snapshot key first (spec §4.G "ordering and tie-breaks").
func (l *Lifecycle) persistHandle(ctx context.Context, userID string, h *engine.Handle) error {
	data, err := engine.Export(ctx, h, l.scratchDir)
	if err != nil {
		return err
	}
	if err := l.store.Save(ctx, dbKey(userID), data); err != nil {
		return err
	}
	return schema.SetStored(ctx, l.store, userID, schema.CurrentSchemaVersion)
}

// Persist exports and snapshots the current UserDatabase. A no-op, not an
// error, while clearing or before the first successful initialize.
func (l *Lifecycle) Persist(ctx context.Context) error {
	l.mu.Lock()
	if l.isClearing || !l.ready {
		l.mu.Unlock()
		return nil
	}
	userID := l.currentUserID
	h := l.engineHandle
	l.mu.Unlock()

	if err := l.persistHandle(ctx, userID, h); err != nil {
		return err
	}

	if !l.testMode {
		l.verifyPersist(ctx, userID, h)
	}
	return nil
}

// verifyPersist is the development-only check spec §4.G describes:
// re-open the just-exported bytes in a scratch engine and compare row
// counts on a well-known table. A mismatch is logged, never returned as an
// error — the engine export is authoritative regardless.
func (l *Lifecycle) verifyPersist(ctx context.Context, userID string, h *engine.Handle) {
	data, err := engine.Export(ctx, h, l.scratchDir)
	if err != nil {
		slog.Warn("lifecycle: persist verification export failed", "user", userID, "error", err)
		return
	}
	scratch, err := engine.Import(ctx, data, l.scratchDir)
	if err != nil {
		slog.Warn("lifecycle: persist verification import failed", "user", userID, "error", err)
		return
	}
	defer scratch.Close()

	liveCount, err := engine.RowCount(ctx, h, "tune")
	if err != nil {
		slog.Warn("lifecycle: persist verification row count (live) failed", "user", userID, "error", err)
		return
	}
	scratchCount, err := engine.RowCount(ctx, scratch, "tune")
	if err != nil {
		slog.Warn("lifecycle: persist verification row count (scratch) failed", "user", userID, "error", err)
		return
	}
	if liveCount != scratchCount {
		slog.Error("lifecycle: persist verification mismatch",
			"user", userID, "live_rows", liveCount, "scratch_rows", scratchCount)
	}
}

// Close persists (if ready), closes the engine handle, and nulls state.
// The snapshot remains recoverable under A.
func (l *Lifecycle) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.ready {
		l.mu.Unlock()
		return nil
	}
	userID := l.currentUserID
	h := l.engineHandle
	l.mu.Unlock()

	if err := l.persistHandle(ctx, userID, h); err != nil {
		slog.Error("lifecycle: persist during close failed", "user", userID, "error", err)
	}
	closeErr := h.Close()

	l.mu.Lock()
	l.engineHandle = nil
	l.ready = false
	l.currentUserID = ""
	l.mu.Unlock()

	return closeErr
}

// Clear destroys the current user's snapshot, version, and watermark, and
// bumps initEpoch so any in-flight Initialize aborts rather than
// publishing stale state. The engine module singleton is never reset
// (spec §4.B rationale).
func (l *Lifecycle) Clear(ctx context.Context) error {
	l.mu.Lock()
	if l.inFlightClear != nil {
		fut := l.inFlightClear
		l.mu.Unlock()
		<-fut.done
		return fut.err
	}

	fut := &clearFuture{done: make(chan struct{})}
	l.inFlightClear = fut
	l.isClearing = true
	l.ready = false
	l.initEpoch++
	l.inFlightInit = nil
	userID := l.currentUserID
	h := l.engineHandle
	l.mu.Unlock()

	err := l.doClear(ctx, userID, h)

	l.mu.Lock()
	l.isClearing = false
	l.currentUserID = ""
	l.engineHandle = nil
	fut.err = err
	close(fut.done)
	l.inFlightClear = nil
	l.mu.Unlock()

	return err
}

func (l *Lifecycle) doClear(ctx context.Context, userID string, h *engine.Handle) error {
	if h != nil {
		if err := h.Close(); err != nil {
			slog.Warn("lifecycle: close engine during clear failed", "error", err)
		}
	}
	if userID == "" {
		return nil
	}
	if err := l.store.Delete(ctx, dbKey(userID)); err != nil {
		return err
	}
	if err := l.store.Delete(ctx, schema.VersionKey(userID)); err != nil {
		return err
	}
	return clearWatermark(ctx, l.store, userID)
}

// GetHandle returns the current ready Handle, or a contract error if one
// isn't available yet (spec §6.1).
func (l *Lifecycle) GetHandle() (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isClearing {
		return nil, ErrClearing
	}
	if !l.ready {
		return nil, ErrNotInitialized
	}
	return &Handle{Engine: l.engineHandle, UserID: l.currentUserID}, nil
}

// DebugState is the debug-introspection struct spec §6.1 names. There is
// no separate ORM-layer handle in this port — HasDrizzle mirrors HasEngine,
// since both would be set or nulled together.
type DebugState struct {
	InitEpoch      int64  `json:"init_epoch"`
	IsClearing     bool   `json:"is_clearing"`
	IsInitializing bool   `json:"is_initializing"`
	Ready          bool   `json:"ready"`
	HasEngine      bool   `json:"has_engine"`
	HasDrizzle     bool   `json:"has_drizzle"`
	CurrentUser    string `json:"current_user,omitempty"`
}

func (l *Lifecycle) DebugState() DebugState {
	l.mu.Lock()
	defer l.mu.Unlock()
	hasEngine := l.engineHandle != nil
	return DebugState{
		InitEpoch:      l.initEpoch,
		IsClearing:     l.isClearing,
		IsInitializing: l.isInitializing,
		Ready:          l.ready,
		HasEngine:      hasEngine,
		HasDrizzle:     hasEngine,
		CurrentUser:    l.currentUserID,
	}
}
