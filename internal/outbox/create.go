package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/syncstore/internal/registry"
	"github.com/hyperengineering/syncstore/internal/trigger"
)

// nonCompletedStatuses are the push-queue statuses Create captures. A
// synced (deleted) item never reaches this query at all since successful
// items are removed from sync_push_queue outright (spec §3.3).
var nonCompletedStatuses = []string{trigger.StatusPending, trigger.StatusFailed, trigger.StatusInProgress}

// Create scans sync_push_queue for non-completed items and, for each
// non-DELETE item, attaches the row's current contents as RowData. Items
// referencing a table the registry no longer knows about are skipped.
func Create(ctx context.Context, db *sql.DB, tables []registry.TableDef) (*Backup, error) {
	placeholders := make([]string, len(nonCompletedStatuses))
	args := make([]any, len(nonCompletedStatuses))
	for i, s := range nonCompletedStatuses {
		placeholders[i] = "?"
		args[i] = s
	}

	query := fmt.Sprintf(`
		SELECT table_name, row_id, operation, changed_at
		FROM sync_push_queue
		WHERE status IN (%s)
		ORDER BY changed_at ASC`, strings.Join(placeholders, ","))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query push queue: %w", err)
	}
	defer rows.Close()

	backup := &Backup{Version: BackupVersion, CreatedAt: time.Now().UTC()}

	for rows.Next() {
		var tableName, rowID, operation, changedAt string
		if err := rows.Scan(&tableName, &rowID, &operation, &changedAt); err != nil {
			return nil, fmt.Errorf("scan push queue row: %w", err)
		}

		def, ok := registry.Lookup(tableName)
		if !ok {
			continue
		}

		item := BackupItem{
			TableName: tableName,
			RowID:     rowID,
			Operation: operation,
			ChangedAt: changedAt,
		}

		if operation != trigger.OperationDelete {
			rowData, err := readRow(ctx, db, def, rowID)
			if err != nil {
				return nil, fmt.Errorf("read row for backup %s %s: %w", tableName, rowID, err)
			}
			item.RowData = rowData
		}

		backup.Items = append(backup.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push queue rows: %w", err)
	}

	return backup, nil
}

// readRow decodes rowID to its PK column values via the registry, then
// reads the current row contents — nil, without error, if the row no
// longer exists (the mutation that created this push-queue item might have
// since been superseded by a delete that hasn't synced yet).
func readRow(ctx context.Context, db *sql.DB, def registry.TableDef, rowID string) (map[string]any, error) {
	pk, err := trigger.DecodePk(def, rowID)
	if err != nil {
		return nil, err
	}

	where, args := pkWhereClause(def, pk)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(def.Columns, ", "), def.Name, where)

	scanTargets := make([]any, len(def.Columns))
	values := make([]any, len(def.Columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	row := db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(scanTargets...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	out := make(map[string]any, len(def.Columns))
	for i, col := range def.Columns {
		out[col] = values[i]
	}
	return out, nil
}

// pkWhereClause builds a "col = ? AND col2 = ?" clause plus its bound args
// from decoded PK values, in registry-declared column order.
func pkWhereClause(def registry.TableDef, pk map[string]string) (string, []any) {
	clauses := make([]string, len(def.PrimaryKey))
	args := make([]any, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		clauses[i] = fmt.Sprintf("%s = ?", col)
		args[i] = pk[col]
	}
	return strings.Join(clauses, " AND "), args
}
