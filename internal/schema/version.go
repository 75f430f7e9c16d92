package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/hyperengineering/syncstore/internal/blobstore"
	"github.com/hyperengineering/syncstore/internal/registry"
)

// CurrentSchemaVersion is the schema layout version this process builds and
// expects. A stored UserDatabase whose version is older MUST be recreated,
// never patched in place (spec §3.2 invariant 3).
const CurrentSchemaVersion = 1

// VersionKey returns the blob-store key a user's stored schema version is
// kept under (spec §6.2).
func VersionKey(userID string) string {
	return fmt.Sprintf("dbVersionPrefix-%s", userID)
}

// GetStored returns the schema version recorded for userID, or 0 if none has
// ever been stored (a brand-new user).
func GetStored(ctx context.Context, store *blobstore.Store, userID string) (int, error) {
	raw, err := store.Load(ctx, VersionKey(userID))
	if err != nil {
		return 0, fmt.Errorf("load stored schema version: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("parse stored schema version %q: %w", raw, err)
	}
	return v, nil
}

// SetStored records v as userID's stored schema version.
func SetStored(ctx context.Context, store *blobstore.Store, userID string, v int) error {
	return store.Save(ctx, VersionKey(userID), []byte(strconv.Itoa(v)))
}

// NeedsMigration is true iff stored is behind CurrentSchemaVersion or a
// forced reset has been requested.
func NeedsMigration(stored int, forcedReset bool) bool {
	return stored < CurrentSchemaVersion || forcedReset
}

// ForcedResetSignal is the process-local representation of the host's
// force-reset marker (spec §6.4): a source-agnostic flag — a URL parameter
// in a browser host, an environment variable here — that ClearMigrationParams
// consumes exactly once per assertion so a single forced reset doesn't repeat
// on every subsequent initialize call within the process's lifetime.
type ForcedResetSignal struct {
	active atomic.Bool
}

// NewForcedResetSignal seeds the signal from the host's initial value.
func NewForcedResetSignal(active bool) *ForcedResetSignal {
	s := &ForcedResetSignal{}
	s.active.Store(active)
	return s
}

// IsForcedReset reports whether the marker is currently set.
func (s *ForcedResetSignal) IsForcedReset() bool {
	return s.active.Load()
}

// Activate arms the forced-reset marker, mirroring the host re-asserting
// its reset signal (e.g. a URL parameter reappearing, an operator flag)
// ahead of the next initialize.
func (s *ForcedResetSignal) Activate() {
	s.active.Store(true)
}

// ClearMigrationParams removes the forced-reset marker after it has been
// consumed by a migration pass.
func (s *ForcedResetSignal) ClearMigrationParams() {
	s.active.Store(false)
}

// ClearLocalForMigration deletes user-owned rows from every syncable table
// that is not marked PreserveOnMigration — the per-table policy the
// registry encodes (spec §4.D, §9 open question a).
func ClearLocalForMigration(ctx context.Context, db *sql.DB) error {
	for _, t := range registry.Registry {
		if t.PreserveOnMigration {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t.Name)); err != nil {
			return fmt.Errorf("clear table %s for migration: %w", t.Name, err)
		}
	}
	return nil
}
