package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reoxt/basesync/internal/conflict"
	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/linkresolver"
	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
)

// rowKey for a B-side row with no id yet "identified by
// row index when no id is yet present".
func rowKey(index int) string { return fmt.Sprintf("row:%d", index) }

func isRowKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "row:") {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(key, "row:"))
	if err != nil {
		return 0, false
	}
	return idx, true
}

// RunBidirectional implements the bidirectional executor.
func RunBidirectional(ctx context.Context, deps Deps, cfg store.SyncConfig, strategy conflict.Strategy) (*RunResult, error) {
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

	scope, err := linkresolver.NewScope(deps.SourceA, 64)
	if err != nil {
		return nil, fmt.Errorf("constructing link resolver scope: %w", err)
	}
	defer scope.Close()

	// 1. Fetch.
	aRecords, err := deps.SourceA.ListRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, cfg.SourceAViewID, table.Fields)
	if err != nil {
		return nil, fmt.Errorf("listing source a records: %w", err)
	}
	aByID := make(map[string]sourcea.Record, len(aRecords))
	aHashes := make(map[string]string, len(aRecords))
	for _, rec := range aRecords {
		aByID[rec.ID] = rec
		hashFields := make(conflict.FieldSet, len(fields))
		for _, f := range fields {
			v := rec.Fields[f.ID]
			if f.Kind == fieldmap.KindLinkedRecord {
				names, warnings, err := scope.ResolveNames(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedIDs)
				if err == nil {
					joinWarnings(&res.Warnings, warnings)
					v = fieldmap.ResolvedLinkValue(names)
				}
			}
			hashFields[f.ID] = v
		}
		aHashes[rec.ID] = conflict.ContentHash(hashFields)
	}

	values, err := deps.SourceB.GetSheetValues(ctx, cfg.SourceBSpreadsheetID, sheet.Title)
	if err != nil {
		return nil, fmt.Errorf("fetching sheet values: %w", err)
	}
	var dataRows [][]sourceb.CellValue
	if len(values) > 0 {
		dataRows = values[1:]
	}

	bHashes := make(map[string]string, len(dataRows))
	bKeyByRow := make([]string, len(dataRows))
	for i, raw := range dataRows {
		id := ""
		if deps.IDColumnIndex < len(raw) {
			if s, ok := raw[deps.IDColumnIndex].(string); ok {
				id = strings.TrimSpace(s)
			}
		}
		key := id
		if key == "" {
			key = rowKey(i)
		}
		bKeyByRow[i] = key

		hashFields := make(conflict.FieldSet, len(fields))
		for _, f := range fields {
			col := cfg.FieldMapping[f.ID]
			var cell string
			if col < len(raw) {
				if s, ok := raw[col].(string); ok {
					cell = s
				}
			}
			v, _, err := fieldmap.ParseCell(cell, f, fieldmap.ModeLenient)
			if err != nil {
				continue
			}
			hashFields[f.ID] = v
		}
		bHashes[key] = conflict.ContentHash(hashFields)
	}
	bRowByKey := make(map[string]int, len(bKeyByRow))
	for i, key := range bKeyByRow {
		bRowByKey[key] = i
	}

	checkpoint, err := deps.Checkpoints.LoadHashes(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	// 2. Detect.
	detected := conflict.Detect(aHashes, bHashes, checkpoint)

	// 3. Resolve.
	decisions := make(map[string]conflict.Decision, len(detected.Conflicts))
	for _, info := range detected.Conflicts {
		d := conflict.Resolve(strategy, info)
		decisions[info.RecordID] = d
		res.Conflicts.Total++
		switch d {
		case conflict.UseA:
			res.Conflicts.AirtableWins++
		case conflict.UseB:
			res.Conflicts.SheetsWins++
		case conflict.Skip:
			res.Conflicts.Skipped++
		}
	}

	// 4. Apply A→B: airtableOnlyChanges, newInA, and BOTH_MODIFIED/DELETED_IN_SHEETS conflicts resolved USE_A.
	applyToB := append([]string{}, detected.AirtableOnlyChanges...)
	applyToB = append(applyToB, detected.NewInA...)
	for _, info := range detected.Conflicts {
		if decisions[info.RecordID] == conflict.UseA {
			applyToB = append(applyToB, info.RecordID)
		}
	}
	if len(applyToB) > 0 {
		if err := applyAToB(ctx, deps, cfg, sheet, fields, applyToB, aByID, bRowByKey, scope, res); err != nil {
			res.addError("applying A→B subset: %v", err)
		}
	}

	// 5. Apply B→A: sheetsOnlyChanges, newInB, and conflicts resolved USE_B.
	applyToA := append([]string{}, detected.SheetsOnlyChanges...)
	applyToA = append(applyToA, detected.NewInB...)
	for _, info := range detected.Conflicts {
		if decisions[info.RecordID] == conflict.UseB {
			applyToA = append(applyToA, info.RecordID)
		}
	}
	if len(applyToA) > 0 {
		if err := applyBToA(ctx, deps, cfg, sheet, fields, applyToA, dataRows, bRowByKey, scope, res); err != nil {
			res.addError("applying B→A subset: %v", err)
		}
	}

	// Deletion propagation: DELETED_IN_SHEETS + DELETE removes from A;
	// DELETED_IN_AIRTABLE + DELETE removes from B.
	var deleteFromA []string
	var deleteFromBRows []int
	for _, info := range detected.Conflicts {
		if decisions[info.RecordID] != conflict.Delete {
			continue
		}
		switch info.Kind {
		case conflict.DeletedInSheets:
			deleteFromA = append(deleteFromA, info.RecordID)
		case conflict.DeletedInAirtable:
			if idx, ok := bRowByKey[info.RecordID]; ok {
				deleteFromBRows = append(deleteFromBRows, idx)
			}
		}
	}
	if len(deleteFromA) > 0 {
		if err := deps.SourceA.BatchDeleteRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, deleteFromA); err != nil {
			res.addError("propagating deletions to source a: %v", err)
		} else {
			res.Deleted += len(deleteFromA)
		}
	}
	for _, rowIdx := range deleteFromBRows {
		if err := deps.SourceB.DeleteRows(ctx, cfg.SourceBSpreadsheetID, sheet.SheetID, rowIdx+1, 1); err != nil {
			res.addError("propagating deletion to source b row %d: %v", rowIdx, err)
		} else {
			res.Deleted++
		}
	}

	// 6. State update: refetch both sides post-write and recompute the
	// checkpoint so the next run's baseline reflects what was just applied.
	postA, err := deps.SourceA.ListRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, cfg.SourceAViewID, table.Fields)
	if err != nil {
		res.addError("refetching source a post-write: %v", err)
		postA = aRecords
	}
	postValues, err := deps.SourceB.GetSheetValues(ctx, cfg.SourceBSpreadsheetID, sheet.Title)
	if err != nil {
		res.addError("refetching source b post-write: %v", err)
		postValues = values
	}
	var postDataRows [][]sourceb.CellValue
	if len(postValues) > 0 {
		postDataRows = postValues[1:]
	}

	capturedAt := time.Now().Unix()
	entries := make(map[string]conflict.Entry, len(postA))
	for _, rec := range postA {
		hashFields := make(conflict.FieldSet, len(fields))
		for _, f := range fields {
			v := rec.Fields[f.ID]
			if f.Kind == fieldmap.KindLinkedRecord {
				names, _, err := scope.ResolveNames(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedIDs)
				if err == nil {
					v = fieldmap.ResolvedLinkValue(names)
				}
			}
			hashFields[f.ID] = v
		}
		entries[rec.ID] = conflict.Entry{Hash: conflict.ContentHash(hashFields), CapturedAt: capturedAt}
	}
	for i, raw := range postDataRows {
		id := ""
		if deps.IDColumnIndex < len(raw) {
			if s, ok := raw[deps.IDColumnIndex].(string); ok {
				id = strings.TrimSpace(s)
			}
		}
		if id == "" || entries[id].Hash != "" {
			continue
		}
		hashFields := make(conflict.FieldSet, len(fields))
		for _, f := range fields {
			col := cfg.FieldMapping[f.ID]
			var cell string
			if col < len(raw) {
				if s, ok := raw[col].(string); ok {
					cell = s
				}
			}
			v, _, err := fieldmap.ParseCell(cell, f, fieldmap.ModeLenient)
			if err == nil {
				hashFields[f.ID] = v
			}
		}
		entries[id] = conflict.Entry{Hash: conflict.ContentHash(hashFields), CapturedAt: capturedAt}
	}
	if err := deps.Checkpoints.ReplaceHashes(ctx, cfg.ID, entries); err != nil {
		res.addError("updating checkpoint: %v", err)
	}

	res.finalize()
	return res, nil
}

// applyAToB writes the given record ids' rows into the sheet, updating
// existing rows in place (matched by id) or appending new rows.
func applyAToB(ctx context.Context, deps Deps, cfg store.SyncConfig, sheet sourceb.Sheet, fields []fieldmap.FieldDef, ids []string, aByID map[string]sourcea.Record, bRowByKey map[string]int, scope *linkresolver.Scope, res *RunResult) error {
	var appended [][]sourceb.CellValue
	var appendedIDs []string

	for _, id := range ids {
		rec, ok := aByID[id]
		if !ok {
			continue
		}
		row := make([]sourceb.CellValue, len(fields))
		for col, f := range fields {
			v := rec.Fields[f.ID]
			if f.Kind == fieldmap.KindLinkedRecord {
				names, warnings, err := scope.ResolveNames(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedIDs)
				if err != nil {
					res.addError("record %s field %s: %v", id, f.Name, err)
					continue
				}
				joinWarnings(&res.Warnings, warnings)
				v = fieldmap.ResolvedLinkValue(names)
			}
			row[col] = fieldmap.ToCellString(v)
		}

		if rowIdx, ok := bRowByKey[id]; ok {
			sheetRow := rowIdx + 2 // +1 header, +1 to 1-based
			dataRange := fmt.Sprintf("%s!A%d:%s%d", sheet.Title, sheetRow, columnLetter(len(fields)-1), sheetRow)
			if err := deps.SourceB.UpdateRange(ctx, cfg.SourceBSpreadsheetID, dataRange, [][]sourceb.CellValue{row}); err != nil {
				res.addError("updating row for record %s: %v", id, err)
				continue
			}
			res.Updated++
		} else {
			appended = append(appended, row)
			appendedIDs = append(appendedIDs, id)
		}
	}

	if len(appended) > 0 {
		if err := deps.SourceB.AppendRows(ctx, cfg.SourceBSpreadsheetID, sheet.Title, appended); err != nil {
			return fmt.Errorf("appending new rows: %w", err)
		}
		res.Added += len(appended)
		// The appended rows land after all existing data; their id-column
		// cells are appended by a second AppendRows call on the id column.
		idCells := make([][]sourceb.CellValue, len(appendedIDs))
		for i, id := range appendedIDs {
			idCells[i] = []sourceb.CellValue{id}
		}
		idColRange := fmt.Sprintf("%s!%s:%s", sheet.Title, columnLetter(deps.IDColumnIndex), columnLetter(deps.IDColumnIndex))
		if err := deps.SourceB.AppendRows(ctx, cfg.SourceBSpreadsheetID, idColRange, idCells); err != nil {
			res.addWarning("writing id column for appended rows: %v", err)
		}
	}
	return nil
}

// applyBToA transforms the given B-side keys (record ids or synthetic
// row keys) to Source-A field sets and dispatches creates/updates.
func applyBToA(ctx context.Context, deps Deps, cfg store.SyncConfig, sheet sourceb.Sheet, fields []fieldmap.FieldDef, keys []string, dataRows [][]sourceb.CellValue, bRowByKey map[string]int, scope *linkresolver.Scope, res *RunResult) error {
	updates := make(map[string]map[string]fieldmap.Value)
	var creates []map[string]fieldmap.Value
	var createRowIdx []int

	for _, key := range keys {
		rowIdx, ok := bRowByKey[key]
		if !ok {
			continue
		}
		raw := dataRows[rowIdx]
		recFields := make(map[string]fieldmap.Value, len(fields))
		for _, f := range fields {
			col := cfg.FieldMapping[f.ID]
			var cell string
			if col < len(raw) {
				if s, ok := raw[col].(string); ok {
					cell = s
				}
			}
			v, warnings, err := fieldmap.ParseCell(cell, f, fieldmap.ModeLenient)
			if err != nil {
				res.addError("row %d field %s: %v", rowIdx, f.Name, err)
				continue
			}
			joinWarnings(&res.Warnings, warnings)
			if f.Kind == fieldmap.KindLinkedRecord && len(v.LinkedNames) > 0 {
				ids, warnings, err := scope.ResolveIDs(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedNames, defaultLinkResolutionMode, rowIdx, f.Name)
				if err != nil {
					res.addError("row %d field %s: %v", rowIdx, f.Name, err)
					continue
				}
				joinWarnings(&res.Warnings, warnings)
				v = fieldmap.Value{Kind: fieldmap.KindLinkedRecord, LinkedIDs: ids}
			}
			recFields[f.ID] = v
		}

		if _, isRowIdxKey := isRowKey(key); isRowIdxKey {
			creates = append(creates, recFields)
			createRowIdx = append(createRowIdx, rowIdx)
		} else {
			updates[key] = recFields
		}
	}

	if len(updates) > 0 {
		if err := deps.SourceA.BatchUpdateRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, updates); err != nil {
			res.addError("batch update: %v", err)
		} else {
			res.Updated += len(updates)
		}
	}

	if len(creates) > 0 {
		ids, err := deps.SourceA.BatchCreateRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, creates)
		if err != nil {
			res.addError("batch create: %v", err)
		} else {
			res.Added += len(ids)
			idCells := make([][]sourceb.CellValue, len(ids))
			for i, id := range ids {
				idCells[i] = []sourceb.CellValue{id}
			}
			for i, id := range ids {
				if i >= len(createRowIdx) {
					break
				}
				sheetRow := createRowIdx[i] + 2
				idRange := fmt.Sprintf("%s!%s%d", sheet.Title, columnLetter(deps.IDColumnIndex), sheetRow)
				if err := deps.SourceB.UpdateRange(ctx, cfg.SourceBSpreadsheetID, idRange, [][]sourceb.CellValue{{id}}); err != nil {
					res.addWarning("writing back created id for row %d: %v", createRowIdx[i], err)
				}
			}
		}
	}

	return nil
}
