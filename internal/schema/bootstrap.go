package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// derivedView is one entry in the static manifest of derived views
// SchemaBootstrap recreates after every migration run (spec §4.C item 1).
type derivedView struct {
	Name       string
	Definition string
	Columns    []viewColumn
}

type viewColumn struct {
	Name        string
	Description string
}

// columnEnsure is one idempotent historical-column addition: a column
// introduced after some users' local snapshots were already created.
type columnEnsure struct {
	Table      string
	Column     string
	Definition string
}

// derivedViews is the static manifest of views maintained by SchemaBootstrap.
// tune_catalog exists purely so downstream reporting never touches the raw
// syncable table directly.
var derivedViews = []derivedView{
	{
		Name:       "tune_catalog",
		Definition: "SELECT id, title, notes, last_modified_at FROM tune",
		Columns: []viewColumn{
			{Name: "id", Description: "tune primary key"},
			{Name: "title", Description: "display title"},
			{Name: "notes", Description: "free-form notes"},
			{Name: "last_modified_at", Description: "auto-stamped modification time"},
		},
	},
}

// historicalColumnEnsures lists columns added to the schema after the
// initial migration shipped, so older local snapshots get them idempotently
// on next bootstrap rather than via a breaking migration.
var historicalColumnEnsures = []columnEnsure{
	{Table: "tune", Column: "archived_at", Definition: "TEXT"},
}

// Bootstrap runs the post-migration steps SchemaBootstrap owns: recreate
// derived views, seed ViewColumnMeta, apply historical column ensures, and
// make sure the auxiliary tables goose's initial migration already created
// are present even against a database that predates that migration.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	if err := ensureAuxTables(ctx, db); err != nil {
		return fmt.Errorf("ensure auxiliary tables: %w", err)
	}
	if err := ensureHistoricalColumns(ctx, db); err != nil {
		return fmt.Errorf("ensure historical columns: %w", err)
	}
	if err := recreateDerivedViews(ctx, db); err != nil {
		return fmt.Errorf("recreate derived views: %w", err)
	}
	if err := seedViewColumnMeta(ctx, db); err != nil {
		return fmt.Errorf("seed view column meta: %w", err)
	}
	return nil
}

func ensureAuxTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_change_log (
			table_name TEXT PRIMARY KEY,
			changed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS view_column_meta (
			view_name   TEXT NOT NULL,
			column_name TEXT NOT NULL,
			description TEXT,
			PRIMARY KEY (view_name, column_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_view_column_meta_view ON view_column_meta(view_name)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func ensureHistoricalColumns(ctx context.Context, db *sql.DB) error {
	for _, c := range historicalColumnEnsures {
		exists, err := columnExists(ctx, db, c.Table, c.Column)
		if err != nil {
			return fmt.Errorf("check column %s.%s: %w", c.Table, c.Column, err)
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.Table, c.Column, c.Definition)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.Table, c.Column, err)
		}
		slog.Info("schema: added historical column", "table", c.Table, "column", c.Column)
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func recreateDerivedViews(ctx context.Context, db *sql.DB) error {
	for _, v := range derivedViews {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", v.Name)); err != nil {
			return fmt.Errorf("drop view %s: %w", v.Name, err)
		}
		stmt := fmt.Sprintf("CREATE VIEW %s AS %s", v.Name, v.Definition)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create view %s: %w", v.Name, err)
		}
	}
	return nil
}

func seedViewColumnMeta(ctx context.Context, db *sql.DB) error {
	for _, v := range derivedViews {
		if _, err := db.ExecContext(ctx, "DELETE FROM view_column_meta WHERE view_name = ?", v.Name); err != nil {
			return fmt.Errorf("clear view_column_meta for %s: %w", v.Name, err)
		}
		for _, col := range v.Columns {
			_, err := db.ExecContext(ctx,
				"INSERT INTO view_column_meta (view_name, column_name, description) VALUES (?, ?, ?)",
				v.Name, col.Name, col.Description,
			)
			if err != nil {
				return fmt.Errorf("insert view_column_meta %s.%s: %w", v.Name, col.Name, err)
			}
		}
	}
	return nil
}
