// Package lifecycle implements DatabaseLifecycle (spec §4.G): the
// orchestrator that drives EngineLoader, SchemaBootstrap/SchemaVersioning,
// TriggerInstaller, and OutboxBackup through per-user initialize, persist,
// close, and clear, with epoch-gated cancellation so a concurrent clear
// never lets a stale initialize publish a handle.
//
// The in-flight promise gating (§5 "ordering") is modeled the way the
// teacher's multistore.StoreManager double-checks a map under a mutex
// before doing slow-path work: a short critical section records the
// "someone's already doing this" marker, then the slow work runs outside
// the lock and later callers wait on a channel instead of re-doing it.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/syncstore/internal/blobstore"
	"github.com/hyperengineering/syncstore/internal/engine"
	"github.com/hyperengineering/syncstore/internal/outbox"
	"github.com/hyperengineering/syncstore/internal/registry"
	"github.com/hyperengineering/syncstore/internal/schema"
	"github.com/hyperengineering/syncstore/internal/trigger"
)

func dbKey(userID string) string {
	return fmt.Sprintf("dbPrefix-%s", userID)
}

// Handle is the live, ready UserDatabase handed back by Initialize and
// GetHandle — the thing RuntimeBinding wraps for upstream consumers.
type Handle struct {
	Engine *engine.Handle
	UserID string
}

type initFuture struct {
	done   chan struct{}
	handle *Handle
	err    error
}

type clearFuture struct {
	done chan struct{}
	err  error
}

// Lifecycle is the process-wide DatabaseLifecycle singleton. Exactly one
// UserDatabase may be open at a time (spec §3.2 invariant 1).
type Lifecycle struct {
	store       *blobstore.Store
	scratchDir  string
	resetSignal *schema.ForcedResetSignal
	testMode    bool

	mu             sync.Mutex
	currentUserID  string
	engineHandle   *engine.Handle
	ready          bool
	isClearing     bool
	isInitializing bool
	initEpoch      int64

	inFlightInit  *initFuture
	inFlightClear *clearFuture
}

// New constructs a Lifecycle. testMode disables the dev-only persist
// verification (spec §4.G "persist()"). Skipping the AutoPersistScheduler
// under the same flag is done outside this package, by
// syncstore.Handle.RunAutoPersist (spec §4.H).
func New(store *blobstore.Store, scratchDir string, resetSignal *schema.ForcedResetSignal, testMode bool) *Lifecycle {
	return &Lifecycle{
		store:       store,
		scratchDir:  scratchDir,
		resetSignal: resetSignal,
		testMode:    testMode,
	}
}

// Initialize loads or creates userID's UserDatabase and returns a ready
// Handle. See spec §4.G for the full step sequence this implements.
func (l *Lifecycle) Initialize(ctx context.Context, userID string) (*Handle, error) {
	// Step 1: await any in-flight clear first.
	l.mu.Lock()
	clearFut := l.inFlightClear
	l.mu.Unlock()
	if clearFut != nil {
		<-clearFut.done
	}

	l.mu.Lock()

	// Step 3: switching users — persist and close the outgoing DB first.
	if l.currentUserID != "" && l.currentUserID != userID {
		outgoingUser := l.currentUserID
		outgoingHandle := l.engineHandle
		outgoingReady := l.ready
		l.mu.Unlock()

		if outgoingReady {
			if err := l.persistHandle(ctx, outgoingUser, outgoingHandle); err != nil {
				slog.Error("lifecycle: persist outgoing user before switch failed",
					"user", outgoingUser, "error", err)
			}
		}
		if outgoingHandle != nil {
			if err := outgoingHandle.Close(); err != nil {
				slog.Warn("lifecycle: close outgoing engine handle failed", "error", err)
			}
		}

		l.mu.Lock()
		l.currentUserID = ""
		l.engineHandle = nil
		l.ready = false
	}

	// Step 4: already open and ready for this same user.
	if l.currentUserID == userID && l.ready {
		h := &Handle{Engine: l.engineHandle, UserID: userID}
		l.mu.Unlock()
		return h, nil
	}

	// Step 5: join an already-running init.
	if l.inFlightInit != nil {
		fut := l.inFlightInit
		l.mu.Unlock()
		<-fut.done
		return fut.handle, fut.err
	}

	// Step 6: start a new init.
	myEpoch := l.initEpoch
	fut := &initFuture{done: make(chan struct{})}
	l.inFlightInit = fut
	l.isInitializing = true
	l.mu.Unlock()

	handle, err := l.runInit(ctx, userID, myEpoch)

	l.mu.Lock()
	if err == nil && l.initEpoch != myEpoch {
		// A clear began after runInit's last epoch check: never publish.
		handle.Engine.Close()
		handle, err = nil, ErrInitAborted
	}
	fut.handle, fut.err = handle, err
	close(fut.done)
	l.inFlightInit = nil
	l.isInitializing = false

	if err == nil {
		l.currentUserID = userID
		l.engineHandle = handle.Engine
		l.ready = true
	} else {
		// Step 7: on abort (or any other init failure), the handle must
		// never be published; null everything out.
		if isAbortErr(err) {
			slog.Warn("lifecycle: initialize aborted by concurrent clear", "user", userID)
		} else {
			slog.Error("lifecycle: initialize failed", "user", userID, "error", err)
		}
		if l.currentUserID == userID {
			l.currentUserID = ""
		}
		l.engineHandle = nil
		l.ready = false
	}
	l.mu.Unlock()

	return handle, err
}

func isAbortErr(err error) bool {
	return err == ErrInitAborted
}

// ensureNotCleared is the re-check runInit makes after each of its stages
// (engine load, snapshot read, engine build, bootstrap, trigger install,
// migration pass): a clear that began during a stage makes the in-flight
// init abort rather than publish stale state. Calls within one stage run
// without a check between them.
func (l *Lifecycle) ensureNotCleared(myEpoch int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initEpoch != myEpoch {
		return ErrInitAborted
	}
	return nil
}

// runInit performs steps 6a-6k of spec §4.G outside the state-machine
// mutex, so a concurrent clear() can still proceed and bump initEpoch while
// this is in flight.
func (l *Lifecycle) runInit(ctx context.Context, userID string, myEpoch int64) (*Handle, error) {
	// 6a. Load the engine singleton.
	if err := engine.GetEngine(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLoadFailed, err)
	}
	if err := l.ensureNotCleared(myEpoch); err != nil {
		return nil, err
	}

	// 6b. Detect migration needs.
	forcedReset := l.resetSignal.IsForcedReset()
	stored, err := schema.GetStored(ctx, l.store, userID)
	if err != nil {
		return nil, err
	}
	needsMigration := schema.NeedsMigration(stored, forcedReset)

	// 6c. Read the stored snapshot.
	snapshotBytes, err := l.store.Load(ctx, dbKey(userID))
	if err != nil {
		return nil, err
	}
	if err := l.ensureNotCleared(myEpoch); err != nil {
		return nil, err
	}

	var h *engine.Handle
	migrating := needsMigration || snapshotBytes == nil

	if !migrating {
		// 6d. Matching version and a snapshot exists: instantiate from it.
		h, err = engine.Import(ctx, snapshotBytes, l.scratchDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDDLFailed, err)
		}
	} else {
		// 6e. Best-effort backup before destroying the old snapshot.
		if snapshotBytes != nil {
			if backupErr := l.backupBeforeRecreate(ctx, userID, snapshotBytes); backupErr != nil {
				slog.Warn("lifecycle: backup before recreate failed", "user", userID, "error", backupErr)
			}
		}
		if err := l.store.Delete(ctx, dbKey(userID)); err != nil {
			return nil, err
		}
		if err := l.store.Delete(ctx, schema.VersionKey(userID)); err != nil {
			return nil, err
		}
		if err := clearWatermark(ctx, l.store, userID); err != nil {
			return nil, err
		}

		h, err = engine.Open(ctx, engine.NewScratchPath(l.scratchDir))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDDLFailed, err)
		}
		if err := schema.RunMigrations(h.DB); err != nil {
			h.Close()
			return nil, fmt.Errorf("%w: %v", ErrDDLFailed, err)
		}
	}

	if err := l.ensureNotCleared(myEpoch); err != nil {
		h.Close()
		return nil, err
	}

	// 6f/6g. Derived views, view-column-meta, historical columns.
	if err := schema.Bootstrap(ctx, h.DB); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrDDLFailed, err)
	}
	if err := l.ensureNotCleared(myEpoch); err != nil {
		h.Close()
		return nil, err
	}

	// 6h. Install triggers.
	if err := trigger.Install(ctx, h.DB, registry.Registry); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrTriggerInstallFailed, err)
	}
	if err := l.ensureNotCleared(myEpoch); err != nil {
		h.Close()
		return nil, err
	}

	if migrating {
		// 6i. Clear user-owned rows per the registry's per-table policy,
		// truncate the push queue so migration-time clearing produces no
		// spurious items, and record the new stored version.
		if err := schema.ClearLocalForMigration(ctx, h.DB); err != nil {
			h.Close()
			return nil, err
		}
		if err := trigger.ClearPushQueue(ctx, h.DB); err != nil {
			h.Close()
			return nil, err
		}
		if err := schema.SetStored(ctx, l.store, userID, schema.CurrentSchemaVersion); err != nil {
			h.Close()
			return nil, err
		}
		l.resetSignal.ClearMigrationParams()

		if forcedReset {
			if err := outbox.Clear(ctx, l.store, userID); err != nil {
				slog.Warn("lifecycle: clear outbox backup on forced reset failed", "user", userID, "error", err)
			}
		} else if backup, loadErr := outbox.Load(ctx, l.store, userID); loadErr == nil && backup != nil {
			result, replayErr := outbox.Replay(ctx, h.DB, backup)
			if replayErr != nil {
				slog.Error("lifecycle: outbox replay failed", "user", userID, "error", replayErr)
			} else {
				slog.Info("lifecycle: outbox replayed", "user", userID,
					"applied", result.Applied, "skipped", result.Skipped, "errors", len(result.Errors))
				if err := outbox.Clear(ctx, l.store, userID); err != nil {
					slog.Warn("lifecycle: clear outbox backup after replay failed", "user", userID, "error", err)
				}
			}
		}
	}

	if err := l.ensureNotCleared(myEpoch); err != nil {
		h.Close()
		return nil, err
	}

	return &Handle{Engine: h, UserID: userID}, nil
}

func (l *Lifecycle) backupBeforeRecreate(ctx context.Context, userID string, snapshotBytes []byte) error {
	scratchHandle, err := engine.Import(ctx, snapshotBytes, l.scratchDir)
	if err != nil {
		return err
	}
	defer scratchHandle.Close()

	backup, err := outbox.Create(ctx, scratchHandle.DB, registry.Registry)
	if err != nil {
		return err
	}
	return outbox.Save(ctx, l.store, userID, backup)
}
