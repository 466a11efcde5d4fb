package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/reoxt/basesync/internal/conflict"
	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/linkresolver"
	"github.com/reoxt/basesync/internal/sourceb"
	"github.com/reoxt/basesync/internal/store"
)

// resolveSheet finds the target sheet's numeric id, matching by title
// first (the value operators typically set SourceBSheetID to) and falling
// back to parsing it as a numeric id.
func resolveSheet(ctx context.Context, deps Deps, spreadsheetID, sheetRef string) (sourceb.Sheet, error) {
	sheets, err := deps.SourceB.GetSpreadsheetMetadata(ctx, spreadsheetID)
	if err != nil {
		return sourceb.Sheet{}, fmt.Errorf("fetching spreadsheet metadata: %w", err)
	}
	for _, s := range sheets {
		if s.Title == sheetRef {
			return s, nil
		}
	}
	if id, err := strconv.ParseInt(sheetRef, 10, 64); err == nil {
		for _, s := range sheets {
			if s.SheetID == id {
				return s, nil
			}
		}
	}
	return sourceb.Sheet{}, fmt.Errorf("sheet %q not found in spreadsheet %s", sheetRef, spreadsheetID)
}

// RunAToB implements the A→B executor. dryRun performs every
// read and classification step but skips all writes to Source B and the
// checkpoint, per the initial-sync operation's dryRun option.
func RunAToB(ctx context.Context, deps Deps, cfg store.SyncConfig, dryRun bool) (*RunResult, error) {
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

	records, err := deps.SourceA.ListRecords(ctx, cfg.SourceABaseID, cfg.SourceATableID, cfg.SourceAViewID, table.Fields)
	if err != nil {
		return nil, fmt.Errorf("listing source a records: %w", err)
	}

	// Row ordering policy: view order is already applied by
	// ListRecords when SourceAViewID is set; otherwise sort by primary
	// field, or warn and leave upstream order.
	if cfg.SourceAViewID == "" {
		if len(table.Fields) > 0 {
			sortByPrimaryField(records, table.Fields[0].ID)
		} else {
			res.addWarning("table %s has no primary field; row order follows upstream default", table.ID)
		}
	}

	scope, err := linkresolver.NewScope(deps.SourceA, 64)
	if err != nil {
		return nil, fmt.Errorf("constructing link resolver scope: %w", err)
	}
	defer scope.Close()

	rows := make([][]sourceb.CellValue, len(records))
	hashes := make(map[string]string, len(records))
	for i, rec := range records {
		row := make([]sourceb.CellValue, len(fields))
		hashFields := make(conflict.FieldSet, len(fields))
		for col, f := range fields {
			v := rec.Fields[f.ID]
			if f.Kind == fieldmap.KindLinkedRecord {
				names, warnings, err := scope.ResolveNames(ctx, cfg.SourceABaseID, f.LinkedTableID, v.LinkedIDs)
				if err != nil {
					res.addError("record %s field %s: %v", rec.ID, f.Name, err)
					continue
				}
				joinWarnings(&res.Warnings, warnings)
				v = fieldmap.ResolvedLinkValue(names)
			}
			row[col] = fieldmap.ToCellString(v)
			hashFields[f.ID] = v
		}
		rows[i] = row
		hashes[rec.ID] = conflict.ContentHash(hashFields)
	}

	if dryRun {
		res.Added = len(rows)
		res.finalize()
		return res, nil
	}

	sheet, err := resolveSheet(ctx, deps, cfg.SourceBSpreadsheetID, cfg.SourceBSheetID)
	if err != nil {
		return nil, err
	}

	existingRows, err := deps.SourceB.GetSheetValues(ctx, cfg.SourceBSpreadsheetID, sheet.Title)
	if err != nil {
		return nil, fmt.Errorf("fetching existing sheet values: %w", err)
	}
	existingIDs := make(map[string]bool, len(existingRows))
	for _, r := range existingRows {
		if deps.IDColumnIndex < len(r) {
			if id, ok := r[deps.IDColumnIndex].(string); ok && id != "" {
				existingIDs[id] = true
			}
		}
	}

	header := make([]sourceb.CellValue, len(fields))
	for i, f := range fields {
		header[i] = f.Name
	}

	minColumns := deps.IDColumnIndex + 1
	if err := deps.SourceB.EnsureColumnCount(ctx, cfg.SourceBSpreadsheetID, sheet.SheetID, len(fields), minColumns); err != nil {
		res.addError("ensuring column count: %v", err)
	}

	dataRange := fmt.Sprintf("%s!A1:%s%d", sheet.Title, columnLetter(len(fields)-1), len(rows)+1)
	allRows := append([][]sourceb.CellValue{header}, rows...)
	if err := deps.SourceB.UpdateRange(ctx, cfg.SourceBSpreadsheetID, dataRange, allRows); err != nil {
		return nil, fmt.Errorf("writing data region: %w", err)
	}

	for _, rec := range records {
		if existingIDs[rec.ID] {
			res.Updated++
		} else {
			res.Added++
		}
	}

	for col, f := range fields {
		if (f.Kind == fieldmap.KindSingleSelect || f.Kind == fieldmap.KindMultiSelect) && len(f.Choices) > 0 {
			allowed := make([]string, len(f.Choices))
			for i, c := range f.Choices {
				allowed[i] = c.Name
			}
			rule := sourceb.DataValidationRule{
				ColumnIndex:   col,
				StartRow:      1,
				EndRow:        len(rows) + 1,
				AllowedValues: allowed,
				Strict:        f.Kind == fieldmap.KindSingleSelect,
				ShowDropdown:  true,
			}
			if err := deps.SourceB.BatchSetDataValidation(ctx, cfg.SourceBSpreadsheetID, sheet.SheetID, []sourceb.DataValidationRule{rule}); err != nil {
				res.addWarning("installing data validation for field %s: %v", f.Name, err)
			}
		}
	}

	idColumn := make([][]sourceb.CellValue, len(records)+1)
	idColumn[0] = []sourceb.CellValue{"Record ID"}
	for i, rec := range records {
		idColumn[i+1] = []sourceb.CellValue{rec.ID}
	}
	idRange := fmt.Sprintf("%s!%s1:%s%d", sheet.Title, columnLetter(deps.IDColumnIndex), columnLetter(deps.IDColumnIndex), len(records)+1)
	if err := deps.SourceB.UpdateRange(ctx, cfg.SourceBSpreadsheetID, idRange, idColumn); err != nil {
		res.addError("writing id column: %v", err)
	}
	if err := deps.SourceB.HideColumn(ctx, cfg.SourceBSpreadsheetID, sheet.SheetID, deps.IDColumnIndex); err != nil {
		res.addWarning("hiding id column: %v", err)
	}

	capturedAt := time.Now().Unix()
	entries := make(map[string]conflict.Entry, len(hashes))
	for id, h := range hashes {
		entries[id] = conflict.Entry{Hash: h, CapturedAt: capturedAt}
	}
	if err := deps.Checkpoints.ReplaceHashes(ctx, cfg.ID, entries); err != nil {
		res.addError("updating checkpoint: %v", err)
	}

	res.finalize()
	return res, nil
}
