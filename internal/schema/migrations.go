// Package schema implements SchemaBootstrap (spec §4.C) and SchemaVersioning
// (spec §4.D): applying ordered goose migrations, recreating derived views,
// idempotent historical-column ensures, and tracking the stored schema
// version against CurrentSchemaVersion.
package schema

import (
	"database/sql"
	"fmt"

	"github.com/hyperengineering/syncstore/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending goose migrations from the embedded
// manifest, grounded directly on the teacher's RunMigrations.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
