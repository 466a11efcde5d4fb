// Package linkresolver implements the Linked-Record Resolver:
// turning Source-A linked-record id arrays into human-readable names
// (A→B) and reverse-resolving names to ids (B→A), cached for the lifetime
// of one sync run.
package linkresolver

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reoxt/basesync/internal/syncerr"
)

// TableFetcher batch-fetches records of a linked table, keyed by the
// table's primary field. internal/sourcea.Client implements this. byName
// keys must be lower-cased (case-insensitive match).
type TableFetcher interface {
	FetchPrimaryFieldIndex(ctx context.Context, baseID, tableID string) (byID map[string]string, byName map[string][]string, err error)
	CreateRecord(ctx context.Context, baseID, tableID string, primaryFieldValue string) (id string, err error)
}

type tableKey struct {
	baseID  string
	tableID string
}

type tableIndex struct {
	byID   map[string]string   // record id -> primary field name
	byName map[string][]string // primary field name -> record ids (duplicates preserved)
}

// Scope owns a cache keyed by {baseID, tableID} that lives for the
// duration of one sync run: callers must defer Close() so a panicking
// phase cannot leak the cache past the run. Cache capacity is bounded
// with hashicorp/golang-lru/v2, the same library the
// retrieval pack's alert-history service uses for its own request-scoped
// caches.
type Scope struct {
	fetcher TableFetcher
	cache   *lru.Cache[tableKey, tableIndex]
	created int // records made by lenient-with-create resolution this run
}

// NewScope constructs a fresh, empty Scope. capacity bounds the number of
// distinct {base, table} linked tables cached per run.
func NewScope(fetcher TableFetcher, capacity int) (*Scope, error) {
	if capacity <= 0 {
		capacity = 64
	}
	cache, err := lru.New[tableKey, tableIndex](capacity)
	if err != nil {
		return nil, fmt.Errorf("constructing link resolver cache: %w", err)
	}
	return &Scope{fetcher: fetcher, cache: cache}, nil
}

// Close discards the cache. Safe to call multiple times.
func (s *Scope) Close() {
	s.cache.Purge()
}

func (s *Scope) index(ctx context.Context, baseID, tableID string) (tableIndex, error) {
	key := tableKey{baseID, tableID}
	if idx, ok := s.cache.Get(key); ok {
		return idx, nil
	}
	byID, byName, err := s.fetcher.FetchPrimaryFieldIndex(ctx, baseID, tableID)
	if err != nil {
		return tableIndex{}, err
	}
	if byID == nil {
		byID = make(map[string]string)
	}
	if byName == nil {
		byName = make(map[string][]string)
	}
	idx := tableIndex{byID: byID, byName: byName}
	s.cache.Add(key, idx)
	return idx, nil
}

// ResolveNames implements the A→B direction: replaces target
// record ids with their primary-field names. Unresolved ids preserve their
// id with a warning, matching the design invariant 5 (cardinality preserved).
func (s *Scope) ResolveNames(ctx context.Context, baseID, tableID string, ids []string) (names []string, warnings []string, err error) {
	idx, err := s.index(ctx, baseID, tableID)
	if err != nil {
		return nil, nil, err
	}
	names = make([]string, len(ids))
	for i, id := range ids {
		name, ok := idx.byID[id]
		if !ok {
			names[i] = id
			warnings = append(warnings, fmt.Sprintf("linked record %q not found in table %s; id preserved", id, tableID))
			continue
		}
		names[i] = name
	}
	return names, warnings, nil
}

// ResolutionMode governs ResolveIDs' behavior on an unmatched name, per
// the design.
type ResolutionMode int

const (
	ModeStrict ResolutionMode = iota
	ModeLenientCreate
	ModeLenientDrop
)

// MaxCreatesPerRun bounds lenient-with-create mode
// "bounded and logged".
const MaxCreatesPerRun = 50

// ResolveIDs implements the B→A direction: given display
// names, resolves to target record ids. Duplicate names resolve to the
// first match and emit a warning.
func (s *Scope) ResolveIDs(ctx context.Context, baseID, tableID string, names []string, mode ResolutionMode, rowIndex int, field string) (ids []string, warnings []string, err error) {
	idx, err := s.index(ctx, baseID, tableID)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		matches, ok := idx.byName[strings.ToLower(trimmed)]
		if ok && len(matches) > 0 {
			if len(matches) > 1 {
				warnings = append(warnings, fmt.Sprintf("name %q matched %d records in table %s; using first match", trimmed, len(matches), tableID))
			}
			ids = append(ids, matches[0])
			continue
		}

		switch mode {
		case ModeStrict:
			return nil, warnings, &syncerr.UnresolvedLinkError{RowIndex: rowIndex, Field: field, Name: trimmed}
		case ModeLenientDrop:
			warnings = append(warnings, fmt.Sprintf("row %d field %q: dropped unresolved link name %q", rowIndex, field, trimmed))
		case ModeLenientCreate:
			if s.created >= MaxCreatesPerRun {
				warnings = append(warnings, fmt.Sprintf("row %d field %q: link name %q not created, run's create budget exhausted", rowIndex, field, trimmed))
				continue
			}
			newID, err := s.fetcher.CreateRecord(ctx, baseID, tableID, trimmed)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("row %d field %q: failed to create linked record %q: %v", rowIndex, field, trimmed, err))
				continue
			}
			s.created++
			ids = append(ids, newID)
			idx.byName[strings.ToLower(trimmed)] = append(idx.byName[strings.ToLower(trimmed)], newID)
			idx.byID[newID] = trimmed
		}
	}
	return ids, warnings, nil
}
