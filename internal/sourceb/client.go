// Package sourceb implements the External Client for Source B: a
// Google-Sheets-shaped REST surface of spreadsheets containing sheets of
// free-form rows.
package sourceb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reoxt/basesync/internal/httpx"
)

// CellValue is a free-form spreadsheet cell primitive
type CellValue = any

// Client wraps Source B's REST surface.
type Client struct {
	baseURL string
	http    *httpx.Client
}

// NewClient constructs a Client. authHeader supplies a fresh bearer token
// on every HTTP attempt.
func NewClient(baseURL string, callTimeout time.Duration, authHeader func(ctx context.Context) (string, error)) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httpx.NewClient("source_b", callTimeout, authHeader),
	}
}

// Spreadsheet is a listed spreadsheet (via drive listing).
type Spreadsheet struct {
	ID   string
	Name string
}

// Sheet is one sheet within a spreadsheet, carrying its numeric sheet id.
type Sheet struct {
	SheetID int64
	Title   string
}

// ListSpreadsheets lists spreadsheets visible to the connected account.
func (c *Client) ListSpreadsheets(ctx context.Context) ([]Spreadsheet, error) {
	var resp struct {
		Files []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"files"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/drive/v3/files?q=mimeType='application/vnd.google-apps.spreadsheet'", c.baseURL), &resp); err != nil {
		return nil, err
	}
	out := make([]Spreadsheet, len(resp.Files))
	for i, f := range resp.Files {
		out[i] = Spreadsheet{ID: f.ID, Name: f.Name}
	}
	return out, nil
}

// GetSpreadsheetMetadata returns every sheet and its numeric id.
func (c *Client) GetSpreadsheetMetadata(ctx context.Context, spreadsheetID string) ([]Sheet, error) {
	var resp struct {
		Sheets []struct {
			Properties struct {
				SheetID int64  `json:"sheetId"`
				Title   string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v4/spreadsheets/%s?fields=sheets.properties", c.baseURL, spreadsheetID), &resp); err != nil {
		return nil, err
	}
	out := make([]Sheet, len(resp.Sheets))
	for i, s := range resp.Sheets {
		out[i] = Sheet{SheetID: s.Properties.SheetID, Title: s.Properties.Title}
	}
	return out, nil
}

// GetSheetValues returns every row of a sheet as free-form cell primitives.
func (c *Client) GetSheetValues(ctx context.Context, spreadsheetID, sheetTitle string) ([][]CellValue, error) {
	var resp struct {
		Values [][]CellValue `json:"values"`
	}
	rangeParam := sheetTitle
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s", c.baseURL, spreadsheetID, rangeParam)
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// UpdateRange overwrites an A1-notation range with values.
func (c *Client) UpdateRange(ctx context.Context, spreadsheetID, a1Range string, values [][]CellValue) error {
	payload := struct {
		Range          string        `json:"range"`
		MajorDimension string        `json:"majorDimension"`
		Values         [][]CellValue `json:"values"`
	}{Range: a1Range, MajorDimension: "ROWS", Values: values}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=RAW", c.baseURL, spreadsheetID, a1Range)
	_, _, err = c.http.Do(ctx, "PUT", endpoint, body, map[string]string{"Content-Type": "application/json"})
	return err
}

// AppendRows appends rows after the last row with data in a sheet.
func (c *Client) AppendRows(ctx context.Context, spreadsheetID, sheetTitle string, values [][]CellValue) error {
	payload := struct {
		MajorDimension string        `json:"majorDimension"`
		Values         [][]CellValue `json:"values"`
	}{MajorDimension: "ROWS", Values: values}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=RAW", c.baseURL, spreadsheetID, sheetTitle)
	_, _, err = c.http.Do(ctx, "POST", endpoint, body, map[string]string{"Content-Type": "application/json"})
	return err
}

// DeleteRows removes count rows starting at startIndex (zero-based,
// inclusive) via a batchUpdate deleteDimension request.
func (c *Client) DeleteRows(ctx context.Context, spreadsheetID string, sheetID int64, startIndex, count int) error {
	req := batchUpdateRequest{Requests: []any{
		deleteDimensionRequest{DeleteDimension: deleteDimensionRange{
			Range: dimensionRange{SheetID: sheetID, Dimension: "ROWS", StartIndex: startIndex, EndIndex: startIndex + count},
		}},
	}}
	return c.batchUpdate(ctx, spreadsheetID, req)
}

// EnsureColumnCount grows the sheet's column dimension if it has fewer
// than minColumns id-column policy.
func (c *Client) EnsureColumnCount(ctx context.Context, spreadsheetID string, sheetID int64, currentColumns, minColumns int) error {
	if currentColumns >= minColumns {
		return nil
	}
	req := batchUpdateRequest{Requests: []any{
		appendDimensionRequest{AppendDimension: appendDimensionSpec{
			SheetID: sheetID, Dimension: "COLUMNS", Length: minColumns - currentColumns,
		}},
	}}
	return c.batchUpdate(ctx, spreadsheetID, req)
}

// HideColumn hides the zero-based column index, used for the id column.
func (c *Client) HideColumn(ctx context.Context, spreadsheetID string, sheetID int64, columnIndex int) error {
	req := batchUpdateRequest{Requests: []any{
		updateDimensionPropertiesRequest{UpdateDimensionProperties: updateDimensionPropertiesSpec{
			Range:      dimensionRange{SheetID: sheetID, Dimension: "COLUMNS", StartIndex: columnIndex, EndIndex: columnIndex + 1},
			Properties: dimensionProperties{HiddenByUser: true},
			Fields:     "hiddenByUser",
		}},
	}}
	return c.batchUpdate(ctx, spreadsheetID, req)
}

// DataValidationRule is one {columnIndex, rowRange, rule} install request.
type DataValidationRule struct {
	ColumnIndex    int
	StartRow       int
	EndRow         int
	AllowedValues  []string
	Strict         bool
	ShowDropdown   bool
}

// BatchSetDataValidation installs dropdown rules step 7:
// strict=true for single-select, strict=false for multi-select.
func (c *Client) BatchSetDataValidation(ctx context.Context, spreadsheetID string, sheetID int64, rules []DataValidationRule) error {
	requests := make([]any, len(rules))
	for i, r := range rules {
		values := make([]conditionValue, len(r.AllowedValues))
		for j, v := range r.AllowedValues {
			values[j] = conditionValue{UserEnteredValue: v}
		}
		requests[i] = setDataValidationRequest{SetDataValidation: setDataValidationSpec{
			Range: dimensionRange{SheetID: sheetID, Dimension: "", StartIndex: r.ColumnIndex, EndIndex: r.ColumnIndex + 1,
				StartRowIndex: r.StartRow, EndRowIndex: r.EndRow},
			Rule: dataValidationRule{
				Condition: booleanCondition{Type: "ONE_OF_LIST", Values: values},
				Strict:       r.Strict,
				ShowCustomUi: r.ShowDropdown,
			},
		}}
	}
	return c.batchUpdate(ctx, spreadsheetID, batchUpdateRequest{Requests: requests})
}

func (c *Client) batchUpdate(ctx context.Context, spreadsheetID string, req batchUpdateRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s:batchUpdate", c.baseURL, spreadsheetID)
	_, _, err = c.http.Do(ctx, "POST", endpoint, body, map[string]string{"Content-Type": "application/json"})
	return err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	_, body, err := c.http.Do(ctx, "GET", endpoint, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
