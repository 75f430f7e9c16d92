package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hyperengineering/syncstore/internal/registry"
	"github.com/hyperengineering/syncstore/internal/trigger"
)

// Replay applies backup's items against db. Replay is best-effort: column
// drift, a renamed table, or a type mismatch causes that item to be skipped
// or recorded as a per-item error, never a hard failure of the whole call
// (spec §4.F).
func Replay(ctx context.Context, db *sql.DB, backup *Backup) (*ReplayResult, error) {
	result := &ReplayResult{}

	for _, item := range backup.Items {
		def, ok := registry.Lookup(item.TableName)
		if !ok || len(def.Columns) == 0 {
			result.Skipped++
			continue
		}

		var err error
		if item.Operation == trigger.OperationDelete {
			err = replayDelete(ctx, db, def, item.RowID)
		} else {
			err = replayUpsert(ctx, db, def, item)
		}

		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s:%s: %s", item.TableName, item.RowID, err))
			continue
		}
		result.Applied++
	}

	return result, nil
}

func replayDelete(ctx context.Context, db *sql.DB, def registry.TableDef, rowID string) error {
	pk, err := trigger.DecodePk(def, rowID)
	if err != nil {
		return err
	}
	where, args := pkWhereClause(def, pk)
	_, err = db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", def.Name, where), args...)
	return err
}

// replayUpsert filters item.RowData down to columns that still exist in
// the current schema and emits an INSERT ... ON CONFLICT(pk) DO UPDATE,
// adapted from the teacher's genericUpsertRow. When there are no non-PK
// columns left after filtering, falls back to DO NOTHING — there is
// nothing to update.
func replayUpsert(ctx context.Context, db *sql.DB, def registry.TableDef, item BackupItem) error {
	cols := make([]string, 0, len(def.Columns))
	for _, col := range def.Columns {
		if _, ok := item.RowData[col]; ok {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("no known columns present in backup row data")
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = item.RowData[col]
	}

	conflictCols := strings.Join(def.PrimaryKey, ", ")

	var conflictAction string
	updateClauses := nonPkUpdateClauses(def, cols)
	if len(updateClauses) == 0 {
		conflictAction = "DO NOTHING"
	} else {
		conflictAction = "DO UPDATE SET " + strings.Join(updateClauses, ", ")
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
		def.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), conflictCols, conflictAction,
	)

	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

func nonPkUpdateClauses(def registry.TableDef, cols []string) []string {
	pkSet := make(map[string]struct{}, len(def.PrimaryKey))
	for _, col := range def.PrimaryKey {
		pkSet[col] = struct{}{}
	}

	var clauses []string
	for _, col := range cols {
		if _, isPk := pkSet[col]; isPk {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return clauses
}
