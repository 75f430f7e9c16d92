// Package registry holds the static SyncableTableRegistry: metadata the
// trigger installer, outbox, and schema-versioning components all key off
// instead of any runtime reflection over the database.
package registry

// TableDef describes one syncable table. It is the single source of truth
// consulted by internal/trigger (trigger generation, row-id encoding),
// internal/outbox (backup/replay), and internal/schema (migration-time
// clearing policy).
type TableDef struct {
	// Name is the SQL table name.
	Name string

	// PrimaryKey lists the primary-key column names in declaration order.
	// A single entry means a single-column PK; more than one means a
	// composite PK encoded as a canonical JSON object (spec §3.2 invariant 7).
	PrimaryKey []string

	// Columns lists the table's columns as created by the initial
	// migration, PK columns included, in table-definition order. Columns
	// added later by bootstrap's historical ensures (tune.archived_at) are
	// not listed. Used to build outbox replay UPSERTs and to detect column
	// drift against rowData.
	Columns []string

	// SupportsIncremental marks tables that carry a last_modified_at column
	// auto-stamped by a BEFORE-UPDATE trigger (spec §4.E item 4).
	SupportsIncremental bool

	// PreserveOnMigration marks reference/lookup tables that
	// clearLocalForMigration must NOT wipe (spec §9 open question a).
	PreserveOnMigration bool
}

// SingleColumnPK reports whether the table has exactly one PK column.
func (t TableDef) SingleColumnPK() bool {
	return len(t.PrimaryKey) == 1
}

// Registry is the ordered, static list of syncable tables. Order matters:
// it is the "table sync order" RuntimeBinding publishes (spec §4.I) and the
// order trigger installation and ClearLocalForMigration walk the tables in.
var Registry = []TableDef{
	{
		Name:                "tune",
		PrimaryKey:          []string{"id"},
		Columns:             []string{"id", "title", "notes", "last_modified_at"},
		SupportsIncremental: true,
	},
	{
		Name:       "genre_tune_type",
		PrimaryKey: []string{"genre_id", "tune_type_id"},
		Columns:    []string{"genre_id", "tune_type_id", "label"},
	},
}

// Lookup returns the TableDef for name, or ok=false if name is not a
// syncable table.
func Lookup(name string) (TableDef, bool) {
	for _, t := range Registry {
		if t.Name == name {
			return t, true
		}
	}
	return TableDef{}, false
}

// Names returns the syncable table names in registry (sync) order.
func Names() []string {
	names := make([]string, len(Registry))
	for i, t := range Registry {
		names[i] = t.Name
	}
	return names
}
