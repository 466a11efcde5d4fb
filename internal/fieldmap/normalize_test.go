package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_TrimsAndCollapsesBlankText(t *testing.T) {
	got := Normalize(Value{Kind: KindText, Text: "  Alpha  "})
	assert.Equal(t, "Alpha", got.Text)
	assert.False(t, got.Absent)

	blank := Normalize(Value{Kind: KindText, Text: "   "})
	assert.True(t, blank.Absent)
}

func TestNormalize_RoundsNumberNoise(t *testing.T) {
	a := Normalize(Value{Kind: KindNumber, Number: 1.0000001})
	b := Normalize(Value{Kind: KindNumber, Number: 1.0000002})
	assert.Equal(t, a.Number, b.Number)
}

func TestNormalize_SortsMultiSelectRegardlessOfInputOrder(t *testing.T) {
	a := Normalize(Value{Kind: KindMultiSelect, MultiSelect: []Choice{{Name: "Blue"}, {Name: "Red"}}})
	b := Normalize(Value{Kind: KindMultiSelect, MultiSelect: []Choice{{Name: "Red"}, {Name: "Blue"}}})
	assert.Equal(t, a.MultiSelect, b.MultiSelect)
}

func TestNormalize_SortsLinkedIDsRegardlessOfInputOrder(t *testing.T) {
	a := Normalize(Value{Kind: KindLinkedRecord, LinkedIDs: []string{"rec2", "rec1"}})
	b := Normalize(Value{Kind: KindLinkedRecord, LinkedIDs: []string{"rec1", "rec2"}})
	assert.Equal(t, a.LinkedIDs, b.LinkedIDs)
}

func TestNormalize_EmptyArraysAreAbsent(t *testing.T) {
	assert.True(t, Normalize(Value{Kind: KindMultiSelect}).Absent)
	assert.True(t, Normalize(Value{Kind: KindLinkedRecord}).Absent)
	assert.True(t, Normalize(Value{Kind: KindAttachmentList}).Absent)
}

// TestCanonicalString_StableUnderFieldPermutationInputs is the fieldmap-level
// half of hash stability: feeding the same logical value through different
// but equivalent representations (unsorted vs. sorted multi-select) must
// produce the same canonical string, since that string is what gets hashed.
func TestCanonicalString_StableUnderFieldPermutationInputs(t *testing.T) {
	a := Value{Kind: KindMultiSelect, MultiSelect: []Choice{{Name: "Blue"}, {Name: "Red"}}}
	b := Value{Kind: KindMultiSelect, MultiSelect: []Choice{{Name: "Red"}, {Name: "Blue"}}}
	assert.Equal(t, CanonicalString(a), CanonicalString(b))
}

func TestCanonicalString_StableUnderFloatNoise(t *testing.T) {
	a := Value{Kind: KindNumber, Number: 3.14159265}
	b := Value{Kind: KindNumber, Number: 3.14159266}
	assert.Equal(t, CanonicalString(a), CanonicalString(b))
}

func TestCanonicalString_StableUnderInsignificantWhitespace(t *testing.T) {
	a := Value{Kind: KindText, Text: "Alpha"}
	b := Value{Kind: KindText, Text: "  Alpha  "}
	assert.Equal(t, CanonicalString(a), CanonicalString(b))
}

func TestCanonicalString_ComputedDelegatesToInnerValue(t *testing.T) {
	inner := Value{Kind: KindText, Text: "Result"}
	computed := Value{Kind: KindComputed, Computed: &inner}
	assert.Equal(t, "Result", CanonicalString(computed))

	assert.Equal(t, "", CanonicalString(Value{Kind: KindComputed}))
}
