package trigger

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/hyperengineering/syncstore/internal/registry"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE tune (
		id TEXT PRIMARY KEY, title TEXT NOT NULL, notes TEXT,
		last_modified_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')))`); err != nil {
		t.Fatalf("create tune table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE genre_tune_type (
		genre_id TEXT NOT NULL, tune_type_id TEXT NOT NULL, label TEXT,
		PRIMARY KEY (genre_id, tune_type_id))`); err != nil {
		t.Fatalf("create genre_tune_type table: %v", err)
	}

	if err := Install(ctx, db, registry.Registry); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	return db
}

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestS1_FreshInitInsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title) VALUES ('t-1', 'Kesh')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT id, table_name, row_id, operation, status FROM sync_push_queue")
	if err != nil {
		t.Fatalf("query push queue error = %v", err)
	}
	defer rows.Close()

	var count int
	for rows.Next() {
		var id, tableName, rowID, operation, status string
		if err := rows.Scan(&id, &tableName, &rowID, &operation, &status); err != nil {
			t.Fatalf("scan error = %v", err)
		}
		count++
		if !hex32.MatchString(id) {
			t.Errorf("id %q does not match [0-9a-f]{32}", id)
		}
		if tableName != "tune" || rowID != "t-1" || operation != OperationInsert || status != StatusPending {
			t.Errorf("row = %+v, want tune/t-1/INSERT/pending", []string{tableName, rowID, operation, status})
		}
	}
	if count != 1 {
		t.Errorf("push queue rows = %d, want 1", count)
	}
}

func TestS2_CompositePKDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		"INSERT INTO genre_tune_type (genre_id, tune_type_id, label) VALUES ('irish', 'jig', 'Irish Jig')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"DELETE FROM genre_tune_type WHERE genre_id='irish' AND tune_type_id='jig'"); err != nil {
		t.Fatalf("delete error = %v", err)
	}

	var rowID, operation string
	err := db.QueryRowContext(ctx,
		"SELECT row_id, operation FROM sync_push_queue WHERE table_name='genre_tune_type' AND operation='DELETE'",
	).Scan(&rowID, &operation)
	if err != nil {
		t.Fatalf("query push queue error = %v", err)
	}
	if rowID != `{"genre_id":"irish","tune_type_id":"jig"}` {
		t.Errorf("row_id = %q, want canonical composite JSON", rowID)
	}
}

func TestS3_Suppression(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Suppress(ctx, db); err != nil {
		t.Fatalf("Suppress() error = %v", err)
	}
	suppressed, err := IsSuppressed(ctx, db)
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if !suppressed {
		t.Fatal("expected suppressed=true")
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title) VALUES ('t-s', 'Suppressed')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE tune SET title='Still Suppressed' WHERE id='t-s'"); err != nil {
		t.Fatalf("update error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM tune WHERE id='t-s'"); err != nil {
		t.Fatalf("delete error = %v", err)
	}

	if err := Enable(ctx, db); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title) VALUES ('t-e', 'Enabled')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT row_id FROM sync_push_queue")
	if err != nil {
		t.Fatalf("query push queue error = %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan error = %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 || ids[0] != "t-e" {
		t.Errorf("push queue row_ids = %v, want [t-e]", ids)
	}
}

func TestAutoModified_StampsOnUnrelatedUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title, last_modified_at) VALUES ('t-1', 'Kesh', '2020-01-01T00:00:00.000Z')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE tune SET notes = 'updated notes' WHERE id='t-1'"); err != nil {
		t.Fatalf("update error = %v", err)
	}

	var lastModified string
	if err := db.QueryRowContext(ctx, "SELECT last_modified_at FROM tune WHERE id='t-1'").Scan(&lastModified); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if lastModified == "2020-01-01T00:00:00.000Z" {
		t.Error("expected last_modified_at to be auto-stamped, it was left unchanged")
	}
}

func TestAutoModified_HonorsExplicitValue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "INSERT INTO tune (id, title, last_modified_at) VALUES ('t-1', 'Kesh', '2020-01-01T00:00:00.000Z')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE tune SET last_modified_at = '2030-05-05T00:00:00.000Z' WHERE id='t-1'"); err != nil {
		t.Fatalf("update error = %v", err)
	}

	var lastModified string
	if err := db.QueryRowContext(ctx, "SELECT last_modified_at FROM tune WHERE id='t-1'").Scan(&lastModified); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if lastModified != "2030-05-05T00:00:00.000Z" {
		t.Errorf("last_modified_at = %q, want explicit value preserved", lastModified)
	}
}

func TestEncodeDecodePk_RoundTrip(t *testing.T) {
	def, _ := registry.Lookup("genre_tune_type")
	values := map[string]string{"genre_id": "irish", "tune_type_id": "jig"}

	encoded, err := EncodePk(def, values)
	if err != nil {
		t.Fatalf("EncodePk() error = %v", err)
	}
	if encoded != `{"genre_id":"irish","tune_type_id":"jig"}` {
		t.Errorf("EncodePk() = %q", encoded)
	}

	decoded, err := DecodePk(def, encoded)
	if err != nil {
		t.Fatalf("DecodePk() error = %v", err)
	}
	if decoded["genre_id"] != "irish" || decoded["tune_type_id"] != "jig" {
		t.Errorf("DecodePk() = %v", decoded)
	}
}
