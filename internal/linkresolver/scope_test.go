package linkresolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/syncerr"
)

type fakeFetcher struct {
	byID      map[string]string
	byName    map[string][]string
	created   []string
	createErr error
}

func (f *fakeFetcher) FetchPrimaryFieldIndex(ctx context.Context, baseID, tableID string) (map[string]string, map[string][]string, error) {
	return f.byID, f.byName, nil
}

func (f *fakeFetcher) CreateRecord(ctx context.Context, baseID, tableID, primaryFieldValue string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "rec_new_" + primaryFieldValue
	f.created = append(f.created, id)
	return id, nil
}

func newScope(t *testing.T, f *fakeFetcher) *Scope {
	t.Helper()
	s, err := NewScope(f, 8)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// TestResolveNames_CardinalityPreserved covers invariant 5: the number of
// resolved names always equals the number of input ids, whether or not
// every id resolves.
func TestResolveNames_CardinalityPreserved(t *testing.T) {
	f := &fakeFetcher{byID: map[string]string{"rec_u1": "Ana", "rec_u2": "Ben"}}
	s := newScope(t, f)

	names, warnings, err := s.ResolveNames(context.Background(), "app1", "tbl1", []string{"rec_u1", "rec_u2"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"Ana", "Ben"}, names)
}

func TestResolveNames_UnresolvedIDPreservesIDWithWarning(t *testing.T) {
	f := &fakeFetcher{byID: map[string]string{"rec_u1": "Ana"}}
	s := newScope(t, f)

	names, warnings, err := s.ResolveNames(context.Background(), "app1", "tbl1", []string{"rec_u1", "rec_missing"})
	require.NoError(t, err)
	require.Len(t, names, 2, "cardinality must match input ids even with an unresolved entry")
	assert.Equal(t, "Ana", names[0])
	assert.Equal(t, "rec_missing", names[1], "unresolved id must be preserved verbatim")
	assert.Len(t, warnings, 1)
}

func TestResolveNames_EmptyInputYieldsEmptyOutput(t *testing.T) {
	f := &fakeFetcher{byID: map[string]string{}}
	s := newScope(t, f)

	names, warnings, err := s.ResolveNames(context.Background(), "app1", "tbl1", nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Empty(t, names)
}

func TestResolveIDs_MatchesCaseInsensitively(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{"ana": {"rec_u1"}}}
	s := newScope(t, f)

	ids, warnings, err := s.ResolveIDs(context.Background(), "app1", "tbl1", []string{"ANA"}, ModeStrict, 0, "Owner")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"rec_u1"}, ids)
}

func TestResolveIDs_StrictModeFailsOnUnresolvedName(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{}}
	s := newScope(t, f)

	_, _, err := s.ResolveIDs(context.Background(), "app1", "tbl1", []string{"Unknown Person"}, ModeStrict, 3, "Owner")
	require.Error(t, err)
	var unresolved *syncerr.UnresolvedLinkError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, 3, unresolved.RowIndex)
	assert.Equal(t, "Owner", unresolved.Field)
}

func TestResolveIDs_LenientDropSkipsUnresolvedNameWithWarning(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{}}
	s := newScope(t, f)

	ids, warnings, err := s.ResolveIDs(context.Background(), "app1", "tbl1", []string{"Unknown Person"}, ModeLenientDrop, 0, "Owner")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotEmpty(t, warnings)
}

func TestResolveIDs_LenientCreateMakesNewRecord(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{}}
	s := newScope(t, f)

	ids, warnings, err := s.ResolveIDs(context.Background(), "app1", "tbl1", []string{"New Person"}, ModeLenientCreate, 0, "Owner")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, ids, 1)
	assert.Equal(t, f.created[0], ids[0])
}

func TestResolveIDs_LenientCreateRespectsRunBudget(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{}}
	s := newScope(t, f)

	names := make([]string, MaxCreatesPerRun+1)
	for i := range names {
		names[i] = fmt.Sprintf("Person%d", i)
	}

	ids, warnings, err := s.ResolveIDs(context.Background(), "app1", "tbl1", names, ModeLenientCreate, 0, "Owner")
	require.NoError(t, err)
	assert.Len(t, ids, MaxCreatesPerRun)
	assert.NotEmpty(t, warnings, "exceeding the per-run create budget must be logged as a warning")
}

func TestResolveIDs_DuplicateNameUsesFirstMatchWithWarning(t *testing.T) {
	f := &fakeFetcher{byName: map[string][]string{"ana": {"rec_u1", "rec_u2"}}}
	s := newScope(t, f)

	ids, warnings, err := s.ResolveIDs(context.Background(), "app1", "tbl1", []string{"Ana"}, ModeStrict, 0, "Owner")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_u1"}, ids)
	assert.NotEmpty(t, warnings)
}

func TestScope_CachesIndexAcrossCalls(t *testing.T) {
	calls := 0
	f := &countingFetcher{fakeFetcher: fakeFetcher{byID: map[string]string{"rec_u1": "Ana"}}, calls: &calls}
	s := newScope(t, f)

	_, _, err := s.ResolveNames(context.Background(), "app1", "tbl1", []string{"rec_u1"})
	require.NoError(t, err)
	_, _, err = s.ResolveNames(context.Background(), "app1", "tbl1", []string{"rec_u1"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "the per-run cache must avoid refetching the same table twice")
}

type countingFetcher struct {
	fakeFetcher
	calls *int
}

func (f *countingFetcher) FetchPrimaryFieldIndex(ctx context.Context, baseID, tableID string) (map[string]string, map[string][]string, error) {
	*f.calls++
	return f.fakeFetcher.FetchPrimaryFieldIndex(ctx, baseID, tableID)
}
