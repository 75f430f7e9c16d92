package trigger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCompactPushQueue_ExportsAndDeletesSyncedItems(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	auditDir := t.TempDir()

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title) VALUES ('t-1', 'Kesh')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	old := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx,
		"UPDATE sync_push_queue SET synced_at = changed_at, changed_at = ?", old); err != nil {
		t.Fatalf("backdate push queue error = %v", err)
	}

	exported, deleted, err := CompactPushQueue(ctx, db, time.Now(), auditDir)
	if err != nil {
		t.Fatalf("CompactPushQueue() error = %v", err)
	}
	if exported != 1 || deleted != 1 {
		t.Errorf("exported=%d deleted=%d, want 1,1", exported, deleted)
	}

	entries, err := os.ReadDir(auditDir)
	if err != nil {
		t.Fatalf("read audit dir error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit dir entries = %d, want 1", len(entries))
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_push_queue").Scan(&count); err != nil {
		t.Fatalf("count push queue error = %v", err)
	}
	if count != 0 {
		t.Errorf("push queue rows after compaction = %d, want 0", count)
	}
}

func TestCompactPushQueue_SkipsUnsyncedItems(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	auditDir := filepath.Join(t.TempDir(), "audit")

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title) VALUES ('t-1', 'Kesh')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	exported, deleted, err := CompactPushQueue(ctx, db, time.Now().Add(24*time.Hour), auditDir)
	if err != nil {
		t.Fatalf("CompactPushQueue() error = %v", err)
	}
	if exported != 0 || deleted != 0 {
		t.Errorf("exported=%d deleted=%d, want 0,0 since item never synced", exported, deleted)
	}
}
