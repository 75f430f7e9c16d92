package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// backupSchemaJSON describes the wire shape of a Backup blob loaded back
// from PersistentBlobStore. A blob written by an older or differently
// built process is untrusted input by the time it's read back — this is
// the gate before ever touching it with Replay.
const backupSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["version", "createdAt", "items"],
	"properties": {
		"version": {"type": "integer", "const": 1},
		"createdAt": {"type": "string"},
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tableName", "rowId", "operation", "changedAt"],
				"properties": {
					"tableName": {"type": "string"},
					"rowId": {"type": "string"},
					"operation": {"type": "string", "enum": ["INSERT", "UPDATE", "DELETE"]},
					"changedAt": {"type": "string"},
					"rowData": {"type": "object"}
				}
			}
		}
	}
}`

var (
	schemaOnce    sync.Once
	backupSchema  *jsonschema.Schema
	schemaLoadErr error
)

func compiledBackupSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("backup.json", strings.NewReader(backupSchemaJSON)); err != nil {
			schemaLoadErr = fmt.Errorf("load backup schema: %w", err)
			return
		}
		backupSchema, schemaLoadErr = compiler.Compile("backup.json")
	})
	return backupSchema, schemaLoadErr
}

// ValidateShape parses raw as generic JSON and checks it against the
// backup wire schema, rejecting it before any attempt to unmarshal into a
// Backup struct or replay its contents.
func ValidateShape(raw []byte) error {
	schema, err := compiledBackupSchema()
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode backup JSON: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("backup shape invalid: %w", err)
	}
	return nil
}
