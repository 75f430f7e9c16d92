// Package trigger implements TriggerInstaller (spec §4.E): the push-queue
// table, the trigger-control row, per-table change-capture triggers, the
// auto-modified stamp trigger, and the global suppression control plane.
//
// Trigger bodies are generated the way xataio-pgroll's migrations.triggers
// templates Postgres trigger functions: a Go-side fmt.Sprintf template
// filled in per table, executed once at install time. SQLite has no
// PL/pgSQL function layer, so each trigger's guard and body are inlined
// directly into a CREATE TRIGGER statement instead of a separate function.
package trigger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/syncstore/internal/registry"
)

// Push-queue item fields, named per spec §3.1.
const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"

	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusFailed     = "failed"
)

// nowExpr is the stable millisecond-resolution ISO-8601-with-Z expression
// every trigger and the schema's own default use for timestamps.
const nowExpr = "strftime('%Y-%m-%dT%H:%M:%fZ', 'now')"

// Install creates the control row, the push queue, and the per-table
// triggers for every entry in tables. It is safe to call repeatedly: every
// object is dropped-and-recreated or created with IF NOT EXISTS.
func Install(ctx context.Context, db *sql.DB, tables []registry.TableDef) error {
	if err := ensureControlTable(ctx, db); err != nil {
		return fmt.Errorf("ensure trigger control table: %w", err)
	}
	if err := ensurePushQueue(ctx, db); err != nil {
		return fmt.Errorf("ensure push queue: %w", err)
	}
	for _, t := range tables {
		if err := installChangeCaptureTriggers(ctx, db, t); err != nil {
			return fmt.Errorf("install triggers for %s: %w", t.Name, err)
		}
		if t.SupportsIncremental {
			if err := installAutoModifiedTrigger(ctx, db, t); err != nil {
				return fmt.Errorf("install auto-modified trigger for %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func ensureControlTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_trigger_control (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			disabled INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_trigger_control (id, disabled) VALUES (1, 0)`)
	return err
}

func ensurePushQueue(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_push_queue (
			id         TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			row_id     TEXT NOT NULL,
			operation  TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			status     TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_progress','failed')),
			changed_at TEXT NOT NULL,
			synced_at  TEXT,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_push_queue_status_changed
			ON sync_push_queue(status, changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_push_queue_table_row
			ON sync_push_queue(table_name, row_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// installChangeCaptureTriggers drop-and-creates the AFTER INSERT/UPDATE/
// DELETE triggers for table t. Each is guarded on the control row so
// suppress()/enable() take effect for every table at once.
func installChangeCaptureTriggers(ctx context.Context, db *sql.DB, t registry.TableDef) error {
	specs := []struct {
		event     string
		operation string
		rowRef    string
	}{
		{event: "INSERT", operation: OperationInsert, rowRef: "NEW"},
		{event: "UPDATE", operation: OperationUpdate, rowRef: "NEW"},
		{event: "DELETE", operation: OperationDelete, rowRef: "OLD"},
	}

	for _, s := range specs {
		name := triggerName(t.Name, s.event)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)); err != nil {
			return err
		}

		stmt := fmt.Sprintf(`
			CREATE TRIGGER %[1]s
			AFTER %[2]s ON %[3]s
			WHEN (SELECT disabled FROM sync_trigger_control WHERE id = 1) = 0
			BEGIN
				INSERT INTO sync_push_queue (id, table_name, row_id, operation, status, changed_at, attempts)
				VALUES (lower(hex(randomblob(16))), %[4]s, %[5]s, %[6]s, 'pending', %[7]s, 0);
			END;`,
			name, s.event, t.Name, sqlLiteral(t.Name), encodePkExpr(t, s.rowRef), sqlLiteral(s.operation), nowExpr)

		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// installAutoModifiedTrigger installs the BEFORE-UPDATE auto-stamp trigger
// for incrementally-syncable tables (spec §4.E item 4). SQLite's
// recursive_triggers pragma defaults to OFF, so the UPDATE this trigger
// issues does not itself re-fire the BEFORE-UPDATE trigger — no recursion
// guard beyond the WHEN clause is needed.
func installAutoModifiedTrigger(ctx context.Context, db *sql.DB, t registry.TableDef) error {
	name := triggerName(t.Name, "AUTO_MODIFIED")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)); err != nil {
		return err
	}

	pkMatch := pkMatchExpr(t, "OLD")
	stmt := fmt.Sprintf(`
		CREATE TRIGGER %[1]s
		BEFORE UPDATE ON %[2]s
		WHEN NEW.last_modified_at = OLD.last_modified_at OR NEW.last_modified_at IS NULL
		BEGIN
			UPDATE %[2]s SET last_modified_at = %[3]s WHERE %[4]s;
		END;`,
		name, t.Name, nowExpr, pkMatch)

	_, err := db.ExecContext(ctx, stmt)
	return err
}

func triggerName(table, event string) string {
	return fmt.Sprintf("trg_%s_%s", table, event)
}

// pkMatchExpr builds a "col = ref.col AND col2 = ref.col2 ..." predicate
// over a table's primary-key columns.
func pkMatchExpr(t registry.TableDef, ref string) string {
	out := ""
	for i, col := range t.PrimaryKey {
		if i > 0 {
			out += " AND "
		}
		out += fmt.Sprintf("%s = %s.%s", col, ref, col)
	}
	return out
}

// encodePkExpr builds the SQL expression a trigger uses to compute row_id:
// a plain column reference for a single-column PK, or a json_object(...)
// call for a composite one. json_object preserves argument order, so the
// registry's declared key order is exactly what lands in row_id (spec §3.2
// invariant 7).
func encodePkExpr(t registry.TableDef, ref string) string {
	if t.SingleColumnPK() {
		return fmt.Sprintf("CAST(%s.%s AS TEXT)", ref, t.PrimaryKey[0])
	}
	args := ""
	for i, col := range t.PrimaryKey {
		if i > 0 {
			args += ", "
		}
		args += fmt.Sprintf("%s, %s.%s", sqlLiteral(col), ref, col)
	}
	return fmt.Sprintf("json_object(%s)", args)
}

// sqlLiteral renders s as a single-quoted SQL string literal, escaping any
// embedded single quotes. Every value passed through it here is a
// compile-time constant (table/column/operation names from the registry),
// never external input.
func sqlLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
