package trigger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/syncstore/internal/registry"
)

// EncodePk renders values (in registry PK-column order) as the same row_id
// string a trigger would have produced for the given table: a plain string
// for a single-column PK, a canonical JSON object for a composite one (spec
// §3.2 invariant 7). Go-side code (currently this package's tests) uses it
// to compute or match a row_id without touching the database.
func EncodePk(t registry.TableDef, values map[string]string) (string, error) {
	if t.SingleColumnPK() {
		col := t.PrimaryKey[0]
		v, ok := values[col]
		if !ok {
			return "", fmt.Errorf("missing value for primary key column %q", col)
		}
		return v, nil
	}

	// The object is written out key by key in the registry's declared PK
	// order, which is what makes this canonical: marshaling a Go map would
	// not keep that order.
	var b strings.Builder
	b.WriteByte('{')
	for i, col := range t.PrimaryKey {
		v, ok := values[col]
		if !ok {
			return "", fmt.Errorf("missing value for primary key column %q", col)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(col)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return b.String(), nil
}

// DecodePk parses a row_id produced by EncodePk (or a trigger) back into a
// column→value map, using t's registry definition to tell a single-column
// PK string from a composite JSON object.
func DecodePk(t registry.TableDef, rowID string) (map[string]string, error) {
	if t.SingleColumnPK() {
		return map[string]string{t.PrimaryKey[0]: rowID}, nil
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(rowID), &raw); err != nil {
		return nil, fmt.Errorf("decode composite row_id %q: %w", rowID, err)
	}
	out := make(map[string]string, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := raw[col]
		if !ok {
			return nil, fmt.Errorf("row_id %q missing key %q", rowID, col)
		}
		out[col] = v
	}
	return out, nil
}
