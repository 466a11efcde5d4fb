package syncengine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/store"
)

func TestColumnLetter(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, "A"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, columnLetter(tt.index))
	}
}

func TestMappedFields_OrdersByTargetColumnIndex(t *testing.T) {
	table := sourcea.Table{
		Fields: []fieldmap.FieldDef{
			{ID: "fldA", Name: "A"},
			{ID: "fldB", Name: "B"},
			{ID: "fldC", Name: "C"},
		},
	}
	mapping := store.FieldMapping{"fldC": 0, "fldA": 1, "fldB": 2}

	got := mappedFields(table, mapping)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"fldC", "fldA", "fldB"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMappedFields_DropsFieldsNotInSchema(t *testing.T) {
	table := sourcea.Table{Fields: []fieldmap.FieldDef{{ID: "fldA", Name: "A"}}}
	mapping := store.FieldMapping{"fldA": 0, "fldGone": 1}

	got := mappedFields(table, mapping)
	require.Len(t, got, 1)
	assert.Equal(t, "fldA", got[0].ID)
}

func TestFindTable(t *testing.T) {
	tables := []sourcea.Table{{ID: "tbl1", Name: "One"}, {ID: "tbl2", Name: "Two"}}

	got, ok := findTable(tables, "tbl2")
	require.True(t, ok)
	assert.Equal(t, "Two", got.Name)

	_, ok = findTable(tables, "missing")
	assert.False(t, ok)
}

// TestSortByPrimaryField_OrderingFidelity covers invariant 8: with records
// supplied in arbitrary order, sorting by primary field value produces a
// deterministic order matching what the view would return — the k-th
// output record corresponds to the k-th primary-field value in sort order.
func TestSortByPrimaryField_OrderingFidelity(t *testing.T) {
	records := []sourcea.Record{
		{ID: "r3", Fields: map[string]fieldmap.Value{"fldName": {Kind: fieldmap.KindText, Text: "Gamma"}}},
		{ID: "r1", Fields: map[string]fieldmap.Value{"fldName": {Kind: fieldmap.KindText, Text: "Alpha"}}},
		{ID: "r2", Fields: map[string]fieldmap.Value{"fldName": {Kind: fieldmap.KindText, Text: "Beta"}}},
	}

	sortByPrimaryField(records, "fldName")

	ids := []string{records[0].ID, records[1].ID, records[2].ID}
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids)
}

func TestSortByPrimaryField_StableOnTies(t *testing.T) {
	records := []sourcea.Record{
		{ID: "r1", Fields: map[string]fieldmap.Value{"fldName": {Kind: fieldmap.KindText, Text: "Same"}}},
		{ID: "r2", Fields: map[string]fieldmap.Value{"fldName": {Kind: fieldmap.KindText, Text: "Same"}}},
	}

	sortByPrimaryField(records, "fldName")

	assert.Equal(t, "r1", records[0].ID, "a stable sort must preserve input order among ties")
	assert.Equal(t, "r2", records[1].ID)
}

func TestRunResult_Finalize(t *testing.T) {
	success := &RunResult{}
	success.finalize()
	assert.Equal(t, store.OutcomeSuccess, success.Outcome)

	partial := &RunResult{Added: 1}
	partial.addError("boom")
	partial.finalize()
	assert.Equal(t, store.OutcomePartial, partial.Outcome)

	failed := &RunResult{}
	failed.addError("boom")
	failed.finalize()
	assert.Equal(t, store.OutcomeFailed, failed.Outcome)
}

func TestRunResult_AddErrorBoundedAtMax(t *testing.T) {
	r := &RunResult{}
	for i := 0; i < maxReportedErrors+10; i++ {
		r.addError("err %d", i)
	}
	assert.Len(t, r.Errors, maxReportedErrors)
}

func TestStrategyFromPolicy(t *testing.T) {
	assert.Equal(t, 0, int(StrategyFromPolicy(store.PolicyAWins)))
	assert.NotEqual(t, StrategyFromPolicy(store.PolicyAWins), StrategyFromPolicy(store.PolicyBWins))
	assert.NotEqual(t, StrategyFromPolicy(store.PolicyAWins), StrategyFromPolicy(store.PolicyNewestWins))
}

func TestRunBatches_CollectsPerChunkErrorsWithoutAbortingSiblings(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var processed atomicCounter

	errs := runBatches(context.Background(), items, 2, 2, func(ctx context.Context, chunk []int) error {
		processed.add(len(chunk))
		if chunk[0] == 3 {
			return errors.New("chunk starting at 3 failed")
		}
		return nil
	})

	require.Len(t, errs, 1)
	assert.Equal(t, 6, processed.value(), "a failing chunk must not prevent sibling chunks from running")
}

func TestAtomicCounter_AddIsCumulative(t *testing.T) {
	var c atomicCounter
	c.add(3)
	c.add(4)
	assert.Equal(t, 7, c.value())
}
