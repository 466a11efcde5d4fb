package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reoxt/basesync/internal/conflict"
	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/linkresolver"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
)

// sheetRow is one parsed data row of a B→A run, tracked through matching,
// transform, and write-back.
type sheetRow struct {
	rowIndex int // zero-based row within the data region, row 0 = first data row
	recordID string
	fields   map[string]fieldmap.Value
	isCreate bool
}

// RunBToA implements the B→A executor.
func RunBToA(ctx context.Context, deps Deps, cfg store.SyncConfig, dryRun bool) (*RunResult, error) {
	res := &RunResult{}

	tables, err := deps.SourceA.GetBaseSchema(ctx, cfg.SourceABaseID)
	if err != nil {
		return nil, fmt.Errorf("fetching source a schema: %w", err)
	}
	table, ok := findTable(tables, cfg.SourceATableID)
	if !ok {
		return nil, fmt.Errorf("table %s not found in base %s", cfg.SourceATableID, cfg.SourceABaseID)
	}
	fields := mappedFields(table, cfg.FieldMapping)

	sheet, err := resolveSheet(ctx, deps, cfg.SourceBSpreadsheetID, cfg.SourceBSheetID)
	if err != nil {
		return nil, err
	}
	values, err := deps.SourceB.GetSheetValues(ctx, cfg.SourceBSpreadsheetID, sheet.Title)
	if err != nil {
		return nil, fmt.Errorf("fetching sheet values: %w", err)
	}
	if len(values) == 0 {
		res.finalize()
		return res, nil
	}
	dataRows := values[1:] // skip header row

	existing, err := deps.SourceA.ListRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, "", table.Fields)
	if err != nil {
		return nil, fmt.Errorf("listing existing source a records: %w", err)
	}
	existingByID := make(map[string]sourcea.Record, len(existing))
	for _, r := range existing {
		existingByID[r.ID] = r
	}
	var primaryFieldID string
	if len(table.Fields) > 0 {
		primaryFieldID = table.Fields[0].ID
	}
	existingByPrimary := make(map[string]string, len(existing)) // lowercased primary value -> id
	if primaryFieldID != "" {
		for _, r := range existing {
			key := strings.ToLower(strings.TrimSpace(fieldmap.CanonicalString(r.Fields[primaryFieldID])))
			if key != "" {
				existingByPrimary[key] = r.ID
			}
		}
	}

	scope, err := linkresolver.NewScope(deps.SourceA, 64)
	if err != nil {
		return nil, fmt.Errorf("constructing link resolver scope: %w", err)
	}
	defer scope.Close()

	rows := make([]sheetRow, 0, len(dataRows))
	for i, raw := range dataRows {
		id := ""
		if deps.IDColumnIndex < len(raw) {
			if s, ok := raw[deps.IDColumnIndex].(string); ok {
				id = strings.TrimSpace(s)
			}
		}

		recFields := make(map[string]fieldmap.Value, len(fields))
		for col, f := range fields {
			var cell string
			if col < len(raw) {
				if s, ok := raw[col].(string); ok {
					cell = s
				} else if raw[col] != nil {
					cell = fmt.Sprintf("%v", raw[col])
				}
			}
			v, warnings, err := fieldmap.ParseCell(cell, f, fieldmap.ModeLenient)
			if err != nil {
				res.addError("row %d field %s: %v", i, f.Name, err)
				continue
			}
			joinWarnings(&res.Warnings, warnings)

			if f.Kind == fieldmap.KindLinkedRecord && len(v.LinkedNames) > 0 {
				ids, warnings, err := scope.ResolveIDs(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedNames, defaultLinkResolutionMode, i, f.Name)
				if err != nil {
					res.addError("row %d field %s: %v", i, f.Name, err)
					continue
				}
				joinWarnings(&res.Warnings, warnings)
				v = fieldmap.Value{Kind: fieldmap.KindLinkedRecord, LinkedIDs: ids}
			}
			recFields[f.ID] = v
		}

		isCreate := false
		if id != "" {
			if _, ok := existingByID[id]; !ok {
				id = "" // stale id, fall through to primary-field match
			}
		}
		if id == "" {
			if primaryValue, ok := recFields[primaryFieldID]; ok && primaryFieldID != "" {
				key := strings.ToLower(strings.TrimSpace(fieldmap.CanonicalString(primaryValue)))
				if matchedID, ok := existingByPrimary[key]; ok && key != "" {
					id = matchedID
				}
			}
			if id == "" {
				isCreate = true
			}
		}

		rows = append(rows, sheetRow{rowIndex: i, recordID: id, fields: recFields, isCreate: isCreate})
	}

	if dryRun {
		for _, r := range rows {
			if r.isCreate {
				res.Added++
			} else {
				res.Updated++
			}
		}
		res.finalize()
		return res, nil
	}

	var creates []sheetRow
	var updates []sheetRow
	for _, r := range rows {
		if r.isCreate {
			creates = append(creates, r)
		} else {
			updates = append(updates, r)
		}
	}

	newIDsByRow := make(map[int]string)
	if len(creates) > 0 {
		createFieldSets := make([]map[string]fieldmap.Value, len(creates))
		for i, r := range creates {
			createFieldSets[i] = r.fields
		}
		ids, err := deps.SourceA.BatchCreateRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, createFieldSets)
		if err != nil {
			res.addError("batch create: %v", err)
		} else {
			for i, id := range ids {
				if i < len(creates) {
					newIDsByRow[creates[i].rowIndex] = id
					res.Added++
				}
			}
		}
	}

	if len(updates) > 0 {
		var updatedCount atomicCounter
		errs := runBatches(ctx, updates, sourcea.MaxBatchSize, deps.batchConcurrency(), func(ctx context.Context, chunk []sheetRow) error {
			batch := make(map[string]map[string]fieldmap.Value, len(chunk))
			for _, r := range chunk {
				batch[r.recordID] = r.fields
			}
			if err := deps.SourceA.BatchUpdateRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, batch); err != nil {
				return err
			}
			updatedCount.add(len(chunk))
			return nil
		})
		for _, err := range errs {
			res.addError("batch update: %v", err)
		}
		res.Updated += updatedCount.value()
	}

	if len(newIDsByRow) > 0 {
		idColumn := make([][]sourceb.CellValue, len(dataRows))
		for i := range dataRows {
			if id, ok := newIDsByRow[i]; ok {
				idColumn[i] = []sourceb.CellValue{id}
			} else if deps.IDColumnIndex < len(dataRows[i]) {
				idColumn[i] = []sourceb.CellValue{dataRows[i][deps.IDColumnIndex]}
			} else {
				idColumn[i] = []sourceb.CellValue{""}
			}
		}
		idRange := fmt.Sprintf("%s!%s2:%s%d", sheet.Title, columnLetter(deps.IDColumnIndex), columnLetter(deps.IDColumnIndex), len(dataRows)+1)
		if err := deps.SourceB.UpdateRange(ctx, cfg.SourceBSpreadsheetID, idRange, idColumn); err != nil {
			res.addError("writing back created ids: %v", err)
		}
		if err := deps.SourceB.HideColumn(ctx, cfg.SourceBSpreadsheetID, sheet.SheetID, deps.IDColumnIndex); err != nil {
			res.addWarning("hiding id column: %v", err)
		}
	}

	if cfg.DeleteExtraRecords {
		sheetIDs := make(map[string]bool, len(rows))
		for _, r := range rows {
			if r.recordID != "" {
				sheetIDs[r.recordID] = true
			}
		}
		var toDelete []string
		for id := range existingByID {
			if !sheetIDs[id] {
				toDelete = append(toDelete, id)
			}
		}
		if len(toDelete) > 0 {
			if err := deps.SourceA.BatchDeleteRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, toDelete); err != nil {
				res.addError("deleting extra records: %v", err)
			} else {
				res.Deleted += len(toDelete)
			}
		}
	}

	capturedAt := time.Now().Unix()
	entries := make(map[string]conflict.Entry, len(rows))
	for _, r := range rows {
		id := r.recordID
		if id == "" {
			id = newIDsByRow[r.rowIndex]
		}
		if id == "" {
			continue
		}
		hashFields := make(conflict.FieldSet, len(r.fields))
		for k, v := range r.fields {
			hashFields[k] = v
		}
		entries[id] = conflict.Entry{Hash: conflict.ContentHash(hashFields), CapturedAt: capturedAt}
	}
	if err := deps.Checkpoints.ReplaceHashes(ctx, cfg.ID, entries); err != nil {
		res.addError("updating checkpoint: %v", err)
	}

	res.finalize()
	return res, nil
}
