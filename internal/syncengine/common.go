// Package syncengine implements the three Sync Executors:
// A→B, B→A, and bidirectional. Each executor fetches both sides, maps
// fields through internal/fieldmap, resolves linked records through
// internal/linkresolver, and — for the bidirectional case — classifies
// and resolves conflicts through internal/conflict.
package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reoxt/basesync/internal/conflict"
	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/linkresolver"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
)

// maxReportedErrors bounds the error list surfaced on a RunResult, per
// the "bounded error list (≤20)".
const maxReportedErrors = 20

// Deps bundles the collaborators every executor needs. One Deps is
// constructed per sync run by the scheduler and discarded at run end.
type Deps struct {
	SourceA          *sourcea.Client
	SourceB          *sourceb.Client
	Checkpoints      conflict.CheckpointStore
	IDColumnIndex    int // zero-based; default 26 ("AA")
	BatchConcurrency int // default 4
}

func (d Deps) batchConcurrency() int {
	if d.BatchConcurrency <= 0 {
		return 4
	}
	return d.BatchConcurrency
}

// ConflictBreakdown summarizes how a bidirectional run resolved its
// conflicts, feeding directly into the SyncLog row.
type ConflictBreakdown struct {
	Total        int
	AirtableWins int
	SheetsWins   int
	Skipped      int
}

// RunResult is the structured outcome of one executor run
// manual-trigger response shape and the SyncLog row it feeds.
type RunResult struct {
	Outcome   store.Outcome
	Added     int
	Updated   int
	Deleted   int
	Skipped   int
	Errors    []string
	Warnings  []string
	Conflicts ConflictBreakdown
}

func (r *RunResult) addError(format string, args ...any) {
	if len(r.Errors) >= maxReportedErrors {
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *RunResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *RunResult) finalize() {
	switch {
	case len(r.Errors) == 0:
		r.Outcome = store.OutcomeSuccess
	case r.Added+r.Updated+r.Deleted > 0:
		r.Outcome = store.OutcomePartial
	default:
		r.Outcome = store.OutcomeFailed
	}
}

// mappedFields resolves a SyncConfig's FieldMapping against the table's
// full schema, returning the subset of fields actually mapped, ordered by
// their target spreadsheet column index (ascending).
func mappedFields(table sourcea.Table, mapping store.FieldMapping) []fieldmap.FieldDef {
	byID := make(map[string]fieldmap.FieldDef, len(table.Fields))
	for _, f := range table.Fields {
		byID[f.ID] = f
	}
	out := make([]fieldmap.FieldDef, 0, len(mapping))
	for fieldID := range mapping {
		if f, ok := byID[fieldID]; ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return mapping[out[i].ID] < mapping[out[j].ID]
	})
	return out
}

// findTable locates a table by id within a base's schema.
func findTable(tables []sourcea.Table, tableID string) (sourcea.Table, bool) {
	for _, t := range tables {
		if t.ID == tableID {
			return t, true
		}
	}
	return sourcea.Table{}, false
}

// sortByPrimaryField implements the row-ordering policy's second tier:
// when no view supplies the order, records are ordered by primary field
// value; the sort is stable, so records with equal values keep their
// input order.
// primaryFieldID is the table's first schema field, matching Source-A's
// own primary-field convention (see internal/sourcea/linkfetch.go).
func sortByPrimaryField(records []sourcea.Record, primaryFieldID string) {
	sort.SliceStable(records, func(i, j int) bool {
		return fieldmap.CanonicalString(records[i].Fields[primaryFieldID]) <
			fieldmap.CanonicalString(records[j].Fields[primaryFieldID])
	})
}

// columnLetter converts a zero-based column index to A1-notation letters
// (0 -> "A", 25 -> "Z", 26 -> "AA"), used to address the hidden id column.
func columnLetter(index int) string {
	var out []byte
	index++
	for index > 0 {
		index--
		out = append([]byte{byte('A' + index%26)}, out...)
		index /= 26
	}
	return string(out)
}

// runBatches dispatches fn over len(items)/size chunks with bounded
// concurrency. Errors
// from individual chunks are collected, not fatal to sibling chunks.
func runBatches[T any](ctx context.Context, items []T, chunkSize, concurrency int, fn func(ctx context.Context, chunk []T) error) []error {
	if chunkSize <= 0 {
		chunkSize = len(items)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var errsMu chanErrSink
	for i := 0; i < len(items); i += chunkSize {
		end := min(i+chunkSize, len(items))
		chunk := items[i:end]
		g.Go(func() error {
			if err := fn(gctx, chunk); err != nil {
				errsMu.add(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errsMu.errs
}

// chanErrSink collects per-chunk errors without aborting sibling
// goroutines, since a single batch's failure must not cancel the others.
type chanErrSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *chanErrSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// StrategyFromPolicy maps a SyncConfig's persisted conflict policy to the
// internal/conflict strategy enum.
func StrategyFromPolicy(p store.ConflictPolicy) conflict.Strategy {
	switch p {
	case store.PolicyBWins:
		return conflict.BWins
	case store.PolicyNewestWins:
		return conflict.NewestWins
	default:
		return conflict.AWins
	}
}

// defaultLinkResolutionMode is the default B→A link resolution mode: drop
// unmatched names with a warning rather than fail the row outright, since
// the configuration surface does not expose a per-SyncConfig choice
// here.
const defaultLinkResolutionMode = linkresolver.ModeLenientDrop

func joinWarnings(dst *[]string, warnings []string) {
	*dst = append(*dst, warnings...)
}

// atomicCounter accumulates a count across concurrent runBatches chunks.
type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) add(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
}

func (c *atomicCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
