package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// auditedItem mirrors a sync_push_queue row for JSONL export, kept separate
// from any runtime PushQueueItem type so an audit file's shape never
// changes just because the in-memory struct does.
type auditedItem struct {
	ID        string  `json:"id"`
	TableName string  `json:"table_name"`
	RowID     string  `json:"row_id"`
	Operation string  `json:"operation"`
	Status    string  `json:"status"`
	ChangedAt string  `json:"changed_at"`
	SyncedAt  *string `json:"synced_at,omitempty"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
}

// CompactPushQueue removes push-queue items that have already synced
// (synced_at IS NOT NULL) and are older than cutoff, exporting each removed
// row to a dated, ULID-named JSONL file under auditDir first. This is not a
// spec-mandated operation — the spec describes the push queue as purely
// externally-consumed — but it is the natural complement of the teacher's
// CompactChangeLog: an unbounded push queue otherwise grows forever once
// items are marked synced rather than deleted by the consumer.
func CompactPushQueue(ctx context.Context, db *sql.DB, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, table_name, row_id, operation, status, changed_at, synced_at, attempts, last_error
		FROM sync_push_queue
		WHERE synced_at IS NOT NULL AND changed_at < ?
		ORDER BY changed_at ASC
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, 0, fmt.Errorf("query sync_push_queue: %w", err)
	}
	defer rows.Close()

	var items []auditedItem
	var ids []string
	for rows.Next() {
		var it auditedItem
		var syncedAt sql.NullString
		var lastError sql.NullString
		if err := rows.Scan(&it.ID, &it.TableName, &it.RowID, &it.Operation, &it.Status,
			&it.ChangedAt, &syncedAt, &it.Attempts, &lastError); err != nil {
			return 0, 0, fmt.Errorf("scan push queue row: %w", err)
		}
		if syncedAt.Valid {
			it.SyncedAt = &syncedAt.String
		}
		if lastError.Valid {
			it.LastError = &lastError.String
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate push queue rows: %w", err)
	}
	if len(items) == 0 {
		return 0, 0, nil
	}

	if err := os.MkdirAll(auditDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("create audit dir: %w", err)
	}
	auditFile := filepath.Join(auditDir,
		fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("2006-01-02"), ulid.Make().String()))

	f, err := os.OpenFile(auditFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit file: %w", err)
	}
	encoder := json.NewEncoder(f)
	for _, it := range items {
		if err := encoder.Encode(it); err != nil {
			f.Close()
			return 0, 0, fmt.Errorf("write audit entry: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, 0, fmt.Errorf("sync audit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, 0, fmt.Errorf("close audit file: %w", err)
	}
	exported = int64(len(items))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return exported, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const batchSize = 999
	for i := 0; i < len(ids); i += batchSize {
		end := min(i+batchSize, len(ids))
		batch := ids[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for j, id := range batch {
			placeholders[j] = "?"
			args[j] = id
		}
		query := fmt.Sprintf("DELETE FROM sync_push_queue WHERE id IN (%s)", strings.Join(placeholders, ","))
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return exported, deleted, fmt.Errorf("delete compacted push queue rows: %w", err)
		}
		affected, _ := result.RowsAffected()
		deleted += affected
	}

	if err := tx.Commit(); err != nil {
		return exported, deleted, fmt.Errorf("commit transaction: %w", err)
	}
	return exported, deleted, nil
}
