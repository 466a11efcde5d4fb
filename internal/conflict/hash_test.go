package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reoxt/basesync/internal/fieldmap"
)

// TestContentHash_StableUnderFieldPermutation covers invariant 2: the same
// logical record hashes identically regardless of the order its fields
// happen to be supplied in.
func TestContentHash_StableUnderFieldPermutation(t *testing.T) {
	a := FieldSet{
		"fldName":   {Kind: fieldmap.KindText, Text: "Alpha"},
		"fldStatus": {Kind: fieldmap.KindText, Text: "Open"},
	}
	b := FieldSet{
		"fldStatus": {Kind: fieldmap.KindText, Text: "Open"},
		"fldName":   {Kind: fieldmap.KindText, Text: "Alpha"},
	}
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

// TestContentHash_StableUnderFloatAndWhitespaceNoise covers the rest of
// invariant 2: insignificant float precision and surrounding whitespace
// must not move the hash.
func TestContentHash_StableUnderFloatAndWhitespaceNoise(t *testing.T) {
	a := FieldSet{
		"fldQty":  {Kind: fieldmap.KindNumber, Number: 10.0000001},
		"fldName": {Kind: fieldmap.KindText, Text: "  Alpha "},
	}
	b := FieldSet{
		"fldQty":  {Kind: fieldmap.KindNumber, Number: 10.0000002},
		"fldName": {Kind: fieldmap.KindText, Text: "Alpha"},
	}
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestContentHash_DiffersOnActualContentChange(t *testing.T) {
	a := FieldSet{"fldName": {Kind: fieldmap.KindText, Text: "Alpha"}}
	b := FieldSet{"fldName": {Kind: fieldmap.KindText, Text: "Beta"}}
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

// TestSpreadsheetRowHash_IDColumnInvariance covers invariant 3: the id
// column is never part of the hashed field set, so writing a record's id
// into a previously id-less row must not change its content hash. The id
// column simply never appears in the FieldSet passed in by callers.
func TestSpreadsheetRowHash_IDColumnInvariance(t *testing.T) {
	withoutID := FieldSet{
		"fldName":   {Kind: fieldmap.KindText, Text: "Alpha"},
		"fldStatus": {Kind: fieldmap.KindText, Text: "Open"},
	}
	// The row's data columns are unchanged by an id write; only a column
	// outside FieldSet (the hidden id column) would have been touched, and
	// that column is never included here.
	afterIDWrite := FieldSet{
		"fldName":   {Kind: fieldmap.KindText, Text: "Alpha"},
		"fldStatus": {Kind: fieldmap.KindText, Text: "Open"},
	}
	assert.Equal(t, SpreadsheetRowHash(withoutID), SpreadsheetRowHash(afterIDWrite))
}
