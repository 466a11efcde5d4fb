package sourcea

import (
	"context"
	"fmt"
	"strings"

	"github.com/reoxt/basesync/internal/fieldmap"
)

// FetchPrimaryFieldIndex implements internal/linkresolver.TableFetcher: it
// fetches every record of the linked table and indexes it by its primary
// field value (assumed to be the table's first field, matching Source-A's
// own "first column is primary" convention).
func (c *Client) FetchPrimaryFieldIndex(ctx context.Context, baseID, tableID string) (byID map[string]string, byName map[string][]string, err error) {
	tables, err := c.GetBaseSchema(ctx, baseID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching schema for linked table %s: %w", tableID, err)
	}
	var primaryField fieldmap.FieldDef
	for _, t := range tables {
		if t.ID == tableID && len(t.Fields) > 0 {
			primaryField = t.Fields[0]
			break
		}
	}

	records, err := c.ListRecords(ctx, baseID, tableID, "", []fieldmap.FieldDef{primaryField})
	if err != nil {
		return nil, nil, fmt.Errorf("listing records for linked table %s: %w", tableID, err)
	}

	byID = make(map[string]string, len(records))
	byName = make(map[string][]string, len(records))
	for _, r := range records {
		name := fieldmap.CanonicalString(r.Fields[primaryField.ID])
		byID[r.ID] = name
		key := strings.ToLower(name)
		byName[key] = append(byName[key], r.ID)
	}
	return byID, byName, nil
}

// CreateRecord implements internal/linkresolver.TableFetcher for
// lenient-with-create resolution: creates a new record in the linked table
// with only its primary field populated.
func (c *Client) CreateRecord(ctx context.Context, baseID, tableID string, primaryFieldValue string) (string, error) {
	tables, err := c.GetBaseSchema(ctx, baseID)
	if err != nil {
		return "", err
	}
	var primaryFieldID string
	for _, t := range tables {
		if t.ID == tableID && len(t.Fields) > 0 {
			primaryFieldID = t.Fields[0].ID
			break
		}
	}
	if primaryFieldID == "" {
		return "", fmt.Errorf("table %s has no primary field", tableID)
	}

	ids, err := c.BatchCreateRecords(ctx, baseID, tableID, []map[string]fieldmap.Value{
		{primaryFieldID: {Kind: fieldmap.KindText, Text: primaryFieldValue}},
	})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("create record returned no id")
	}
	return ids[0], nil
}
