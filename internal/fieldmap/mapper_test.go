package fieldmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textField(id, name string) FieldDef { return FieldDef{ID: id, Name: name, Kind: KindText} }

func selectField(id, name string, choices ...string) FieldDef {
	cs := make([]Choice, len(choices))
	for i, c := range choices {
		cs[i] = Choice{ID: c, Name: c}
	}
	return FieldDef{ID: id, Name: name, Kind: KindSingleSelect, Choices: cs}
}

// TestParseCell_RoundTripsThroughCanonicalString exercises the A→B→A
// round trip for the writable field kinds: converting a Value to its cell
// string and parsing that string back must reproduce the original value
// after normalization.
func TestParseCell_RoundTripsThroughCanonicalString(t *testing.T) {
	tests := []struct {
		name  string
		field FieldDef
		value Value
	}{
		{
			name:  "text",
			field: textField("fldName", "Name"),
			value: Value{Kind: KindText, Text: "Alpha"},
		},
		{
			name:  "number",
			field: FieldDef{ID: "fldQty", Name: "Qty", Kind: KindNumber},
			value: Value{Kind: KindNumber, Number: 42.5},
		},
		{
			name:  "checkbox true",
			field: FieldDef{ID: "fldDone", Name: "Done", Kind: KindCheckbox},
			value: Value{Kind: KindCheckbox, Bool: true},
		},
		{
			name:  "single select",
			field: selectField("fldStatus", "Status", "Todo", "Done"),
			value: Value{Kind: KindSingleSelect, SingleSelect: Choice{ID: "Done", Name: "Done"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cell := ToCellString(tt.value)
			got, warnings, err := ParseCell(cell, tt.field, ModeStrict)
			require.NoError(t, err)
			require.Empty(t, warnings)
			assert.Equal(t, Normalize(tt.value), Normalize(got))
		})
	}
}

// TestParseCell_ReadOnlyKindsAreDroppedOnReverse covers the asymmetric-type
// half of the round-trip invariant: formula/rollup/lookup/created-by/
// modified-by fields are never written back on the B→A direction, so
// ParseCell must report them Absent regardless of the cell's contents.
func TestParseCell_ReadOnlyKindsAreDroppedOnReverse(t *testing.T) {
	readOnlyKinds := []Kind{
		KindComputed,
		KindCreatedTime,
		KindModifiedTime,
		KindCreatedBy,
		KindModifiedBy,
	}

	for _, kind := range readOnlyKinds {
		field := FieldDef{ID: "fld", Name: "ReadOnly", Kind: kind}
		got, warnings, err := ParseCell("some value", field, ModeStrict)
		require.NoError(t, err)
		require.Empty(t, warnings)
		assert.True(t, got.Absent, "kind %v must be dropped on reverse", kind)
	}
}

func TestParseCell_EmptyCellIsAbsent(t *testing.T) {
	got, warnings, err := ParseCell("", textField("fldName", "Name"), ModeStrict)
	require.NoError(t, err)
	require.Empty(t, warnings)
	assert.True(t, got.Absent)
}

func TestParseCell_StrictModeRejectsUnknownChoice(t *testing.T) {
	field := selectField("fldStatus", "Status", "Todo", "Done")
	_, _, err := ParseCell("NotAChoice", field, ModeStrict)
	require.Error(t, err)
}

func TestParseCell_LenientModeWarnsOnUnknownChoice(t *testing.T) {
	field := selectField("fldStatus", "Status", "Todo", "Done")
	got, warnings, err := ParseCell("NotAChoice", field, ModeLenient)
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
	assert.True(t, got.Absent)
}

func TestParseCell_MultiSelectSplitsOnComma(t *testing.T) {
	field := FieldDef{
		ID: "fldTags", Name: "Tags", Kind: KindMultiSelect,
		Choices: []Choice{{ID: "red", Name: "Red"}, {ID: "blue", Name: "Blue"}},
	}
	got, warnings, err := ParseCell("Red, Blue", field, ModeStrict)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, got.MultiSelect, 2)
}

func TestParseCell_DateParsesISO8601(t *testing.T) {
	field := FieldDef{ID: "fldDue", Name: "Due", Kind: KindDate}
	got, warnings, err := ParseCell("2024-01-15", field, ModeStrict)
	require.NoError(t, err)
	require.Empty(t, warnings)
	assert.Equal(t, 2024, got.Date.Year())
	assert.Equal(t, time.Month(1), got.Date.Month())
	assert.Equal(t, 15, got.Date.Day())
}

func TestResolvedLinkValue_CanonicalStringJoinsWithCommaSpace(t *testing.T) {
	v := ResolvedLinkValue([]string{"Ana", "Ben"})
	assert.Equal(t, "Ana, Ben", CanonicalString(v))
}

func TestResolvedLinkValue_EmptyNamesIsAbsent(t *testing.T) {
	v := ResolvedLinkValue(nil)
	assert.Equal(t, "", CanonicalString(v))
}
