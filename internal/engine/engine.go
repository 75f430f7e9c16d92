// Package engine implements EngineLoader (spec §4.B): a process-wide
// singleton loader for the embedded SQL engine, plus the per-user Open/
// export/import helpers DatabaseLifecycle drives. The embedded engine is
// modernc.org/sqlite, a pure-Go, cgo-free SQLite build — the closest
// available analogue to a WASM-hosted SQL engine running in-process with
// no native dependency.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrEngineLoadFailed is returned when the engine module could not be
// initialized after the bounded retry budget is exhausted.
var ErrEngineLoadFailed = errors.New("engine: load failed")

const (
	maxLoadAttempts = 3
	loadRetryDelay  = 50 * time.Millisecond
)

// loader is the process-wide EngineLoader singleton. It is never torn down
// for the lifetime of the process, even across clear() — spec §4.B forbids
// resetting it, to avoid the WASM-heap-churn failure mode the original
// design observed. There's no literal WASM heap in a Go process, but the
// module preserves the discipline: one loaded module, reused forever.
type loader struct {
	once    sync.Once
	loadErr error
}

var globalLoader loader

// GetEngine returns the cached engine module, loading it on first call.
// Any probe failure is retried, up to maxLoadAttempts in all, with a short
// delay after each failed attempt; errors are not classified, so no kind of
// error ends the retries early. Subsequent calls return the same cached
// result without re-attempting the load.
func GetEngine() error {
	globalLoader.once.Do(func() {
		var lastErr error
		for attempt := 1; attempt <= maxLoadAttempts; attempt++ {
			if err := probeEngine(); err != nil {
				lastErr = err
				slog.Warn("engine load attempt failed",
					"component", "engine",
					"action", "load_retry",
					"attempt", attempt,
					"error", err,
				)
				time.Sleep(loadRetryDelay)
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			globalLoader.loadErr = fmt.Errorf("%w: %v", ErrEngineLoadFailed, lastErr)
		}
	})
	return globalLoader.loadErr
}

// probeEngine verifies the driver can actually open and close a transient
// in-memory database — the Go analogue of "prefetch the WASM binary once".
func probeEngine() error {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Ping()
}

// Handle wraps a live per-user database connection.
type Handle struct {
	DB *sql.DB
}

// pragmas applied to every opened database, matching the teacher's
// enablePragmas: WAL journaling, a busy timeout so concurrent access
// backs off instead of erroring, foreign keys on, and NORMAL sync for a
// throughput/durability balance appropriate to a scratch file the blob
// store is the real source of truth for.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=NORMAL",
}

// Open opens a fresh scratch SQLite file at path (creating parent
// directories as needed) and applies the standard pragma set. Ensures the
// engine singleton is loaded first.
func Open(ctx context.Context, path string) (*Handle, error) {
	if err := GetEngine(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create scratch directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	return &Handle{DB: db}, nil
}

// Close closes the underlying connection.
func (h *Handle) Close() error {
	return h.DB.Close()
}

// NewScratchPath returns a fresh scratch-file path under dir, named with a
// random UUID so concurrent export/import cycles never collide.
func NewScratchPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("scratch-%s.db", uuid.NewString()))
}

// Export produces the opaque byte snapshot of the handle's current state
// via VACUUM INTO to a temp file, then reads the bytes back — the Go
// equivalent of "ask the WASM SQL engine to export its state," grounded on
// the teacher's GenerateSnapshot.
func Export(ctx context.Context, h *Handle, scratchDir string) ([]byte, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	tempPath := NewScratchPath(scratchDir)
	defer os.Remove(tempPath)

	if _, err := h.DB.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", tempPath)); err != nil {
		return nil, fmt.Errorf("vacuum into export file: %w", err)
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	return data, nil
}

// Import materializes an exported byte snapshot as a live scratch database
// and opens it, reversing Export.
func Import(ctx context.Context, data []byte, scratchDir string) (*Handle, error) {
	if err := GetEngine(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	path := NewScratchPath(scratchDir)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write import file: %w", err)
	}

	return Open(ctx, path)
}

// RowCount returns the number of rows in table — used by the dev-only
// persist verification in DatabaseLifecycle.persist (spec §4.G).
func RowCount(ctx context.Context, h *Handle, table string) (int64, error) {
	var n int64
	err := h.DB.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return n, nil
}
