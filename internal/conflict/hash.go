// Package conflict implements the Conflict Detector:
// content-hash-based change detection against a per-sync Checkpoint, and
// the three conflict resolution strategies.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/reoxt/basesync/internal/fieldmap"
)

// FieldSet is a record's or row's fields, keyed by Source-A field id. It is
// the unit hashed by ContentHash.
type FieldSet map[string]fieldmap.Value

// ContentHash computes a stable fingerprint: keys sorted, values
// normalized, concatenated as deterministic JSON, then SHA-256'd. Callers
// pass only the mapped fields on both sides — the Source-A side is
// pre-filtered to the field mapping before calling this — eliminating
// false-positive airtableOnlyChanges entries for unmapped field edits.
func ContentHash(fields FieldSet) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]canonicalField, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, canonicalField{
			Key:   k,
			Value: fieldmap.CanonicalString(fields[k]),
		})
	}

	// encoding/json on a slice of structs with fixed field order gives a
	// deterministic byte sequence regardless of Go map iteration order,
	// which is the property the design invariant 2 (hash stability under
	// field permutation) depends on.
	data, err := json.Marshal(ordered)
	if err != nil {
		// canonicalField only contains strings; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type canonicalField struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// SpreadsheetRowHash computes the hash for a spreadsheet row. Callers must
// build fields from the mapped data columns only, omitting the id column
// entirely, so that writing an id back to a row never registers as a
// content change on the next run.
func SpreadsheetRowHash(fields FieldSet) string {
	return ContentHash(fields)
}
