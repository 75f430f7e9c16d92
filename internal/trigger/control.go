package trigger

import (
	"context"
	"database/sql"
	"fmt"
)

// Suppress sets the global control-row flag so no further mutations
// produce PushQueueItems, regardless of table. Auto-modified triggers keep
// firing — suppression is only a change-capture contract (spec §4.E).
func Suppress(ctx context.Context, db *sql.DB) error {
	return setDisabled(ctx, db, true)
}

// Enable clears the suppression flag.
func Enable(ctx context.Context, db *sql.DB) error {
	return setDisabled(ctx, db, false)
}

// IsSuppressed reads the current control-row flag.
func IsSuppressed(ctx context.Context, db *sql.DB) (bool, error) {
	var disabled int
	err := db.QueryRowContext(ctx, "SELECT disabled FROM sync_trigger_control WHERE id = 1").Scan(&disabled)
	if err != nil {
		return false, fmt.Errorf("read trigger control row: %w", err)
	}
	return disabled == 1, nil
}

func setDisabled(ctx context.Context, db *sql.DB, disabled bool) error {
	val := 0
	if disabled {
		val = 1
	}
	_, err := db.ExecContext(ctx, "UPDATE sync_trigger_control SET disabled = ? WHERE id = 1", val)
	if err != nil {
		return fmt.Errorf("set trigger control disabled=%v: %w", disabled, err)
	}
	return nil
}

// ClearPushQueue truncates the push queue. Used by DatabaseLifecycle
// immediately after a migration-driven recreation so the reinstalled
// triggers don't leave stale items from the old schema's state (spec
// §4.G "ordering and tie-breaks").
func ClearPushQueue(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "DELETE FROM sync_push_queue")
	if err != nil {
		return fmt.Errorf("clear push queue: %w", err)
	}
	return nil
}
