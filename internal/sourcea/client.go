// Package sourcea implements the External Client for Source A: an
// Airtable-shaped REST surface of bases containing tables of
// strongly-typed records with linked-record relationships.
package sourcea

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reoxt/basesync/internal/fieldmap"
	"github.com/reoxt/basesync/internal/httpx"
)

// RecordsPerSecondPerBase is the rate limit: "5 requests/second/
// base — enforced via token bucket with exponential backoff starting at 2s
// on 429".
const RecordsPerSecondPerBase = 5

// MaxBatchSize bounds batch-create/update/delete calls
const MaxBatchSize = 10

// Client wraps Source A's REST surface. One Client is shared across runs;
// its rate limiters are keyed per base id so distinct bases don't throttle
// each other.
type Client struct {
	baseURL string
	http    *httpx.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient constructs a Client. authHeader supplies a fresh bearer token
// on every HTTP attempt (internal/credentials.Manager.GetValidToken).
func NewClient(baseURL string, callTimeout time.Duration, authHeader func(ctx context.Context) (string, error)) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     httpx.NewClient("source_a", callTimeout, authHeader),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(baseID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[baseID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(RecordsPerSecondPerBase), RecordsPerSecondPerBase)
		c.limiters[baseID] = l
	}
	return l
}

func (c *Client) wait(ctx context.Context, baseID string) error {
	return c.limiterFor(baseID).Wait(ctx)
}

// Base is one Source-A base.
type Base struct {
	ID   string
	Name string
}

// Field is one field of a table's schema.
type Field struct {
	fieldmap.FieldDef
}

// Table is one table's schema, as returned by GetBaseSchema.
type Table struct {
	ID     string
	Name   string
	Fields []fieldmap.FieldDef
}

// Record is one Source-A record as returned by ListRecords.
type Record struct {
	ID          string
	CreatedTime time.Time
	Fields      map[string]fieldmap.Value // keyed by field id
}

// ListBases lists every base the connected account can access.
func (c *Client) ListBases(ctx context.Context) ([]Base, error) {
	var page struct {
		Bases []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"bases"`
	}
	if err := c.getJSON(ctx, "", fmt.Sprintf("%s/v0/meta/bases", c.baseURL), &page); err != nil {
		return nil, err
	}
	out := make([]Base, len(page.Bases))
	for i, b := range page.Bases {
		out[i] = Base{ID: b.ID, Name: b.Name}
	}
	return out, nil
}

// GetBaseSchema returns every table in a base, including field
// definitions, parsed once into the fieldmap.Value sum-type schema.
func (c *Client) GetBaseSchema(ctx context.Context, baseID string) ([]Table, error) {
	var resp struct {
		Tables []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Fields []struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Type    string `json:"type"`
				Options struct {
					Choices []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"choices"`
					LinkedTableID string `json:"linkedTableId"`
				} `json:"options"`
			} `json:"fields"`
		} `json:"tables"`
	}
	if err := c.getJSON(ctx, baseID, fmt.Sprintf("%s/v0/meta/bases/%s/tables", c.baseURL, baseID), &resp); err != nil {
		return nil, err
	}

	tables := make([]Table, len(resp.Tables))
	for i, t := range resp.Tables {
		fields := make([]fieldmap.FieldDef, len(t.Fields))
		for j, f := range t.Fields {
			choices := make([]fieldmap.Choice, len(f.Options.Choices))
			for k, ch := range f.Options.Choices {
				choices[k] = fieldmap.Choice{ID: ch.ID, Name: ch.Name}
			}
			fields[j] = fieldmap.FieldDef{
				ID:            f.ID,
				Name:          f.Name,
				Kind:          parseFieldKind(f.Type),
				Choices:       choices,
				LinkedTableID: f.Options.LinkedTableID,
			}
		}
		tables[i] = Table{ID: t.ID, Name: t.Name, Fields: fields}
	}
	return tables, nil
}

// ListRecords pages through a table's records transparently (opaque offset
// token), optionally constrained to a view. No sort is requested, so
// without a view records arrive in upstream order.
func (c *Client) ListRecords(ctx context.Context, baseID, tableID, viewID string, fields []fieldmap.FieldDef) ([]Record, error) {
	var out []Record
	offset := ""
	fieldByID := make(map[string]fieldmap.FieldDef, len(fields))
	for _, f := range fields {
		fieldByID[f.ID] = f
	}

	for {
		q := url.Values{}
		if viewID != "" {
			q.Set("view", viewID)
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		endpoint := fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, baseID, tableID, q.Encode())

		var page struct {
			Records []struct {
				ID          string                     `json:"id"`
				CreatedTime time.Time                  `json:"createdTime"`
				Fields      map[string]json.RawMessage `json:"fields"`
			} `json:"records"`
			Offset string `json:"offset"`
		}
		if err := c.getJSON(ctx, baseID, endpoint, &page); err != nil {
			return nil, err
		}

		for _, r := range page.Records {
			parsed := make(map[string]fieldmap.Value, len(r.Fields))
			for fieldID, raw := range r.Fields {
				def, ok := fieldByID[fieldID]
				if !ok {
					continue
				}
				parsed[fieldID] = parseFieldValue(def.Kind, raw)
			}
			out = append(out, Record{ID: r.ID, CreatedTime: r.CreatedTime, Fields: parsed})
		}

		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}
	return out, nil
}

// BatchCreateRecords creates up to MaxBatchSize records per call, chunking
// larger inputs transparently.
func (c *Client) BatchCreateRecords(ctx context.Context, baseID, tableID string, records []map[string]fieldmap.Value) ([]string, error) {
	return c.batchWrite(ctx, baseID, tableID, "POST", records, nil)
}

// BatchUpdateRecords updates up to MaxBatchSize records per call by id.
func (c *Client) BatchUpdateRecords(ctx context.Context, baseID, tableID string, updates map[string]map[string]fieldmap.Value) error {
	ids := make([]string, 0, len(updates))
	records := make([]map[string]fieldmap.Value, 0, len(updates))
	for id, fields := range updates {
		ids = append(ids, id)
		records = append(records, fields)
	}
	_, err := c.batchWrite(ctx, baseID, tableID, "PATCH", records, ids)
	return err
}

// BatchDeleteRecords deletes up to MaxBatchSize records per call by id.
func (c *Client) BatchDeleteRecords(ctx context.Context, baseID, tableID string, ids []string) error {
	for i := 0; i < len(ids); i += MaxBatchSize {
		end := min(i+MaxBatchSize, len(ids))
		chunk := ids[i:end]
		q := url.Values{}
		for _, id := range chunk {
			q.Add("records[]", id)
		}
		if err := c.wait(ctx, baseID); err != nil {
			return err
		}
		endpoint := fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, baseID, tableID, q.Encode())
		if _, _, err := c.http.Do(ctx, "DELETE", endpoint, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, baseID, tableID, method string, records []map[string]fieldmap.Value, ids []string) ([]string, error) {
	var createdIDs []string
	for i := 0; i < len(records); i += MaxBatchSize {
		end := min(i+MaxBatchSize, len(records))
		chunk := records[i:end]

		type apiRecord struct {
			ID     string         `json:"id,omitempty"`
			Fields map[string]any `json:"fields"`
		}
		payload := struct {
			Records []apiRecord `json:"records"`
		}{}
		for j, fields := range chunk {
			apiFields := make(map[string]any, len(fields))
			for fieldID, v := range fields {
				apiFields[fieldID] = encodeFieldValue(v)
			}
			rec := apiRecord{Fields: apiFields}
			if ids != nil {
				rec.ID = ids[i+j]
			}
			payload.Records = append(payload.Records, rec)
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling batch write: %w", err)
		}
		if err := c.wait(ctx, baseID); err != nil {
			return nil, err
		}
		endpoint := fmt.Sprintf("%s/v0/%s/%s", c.baseURL, baseID, tableID)
		_, respBody, err := c.http.Do(ctx, method, endpoint, body, map[string]string{"Content-Type": "application/json"})
		if err != nil {
			return nil, err
		}

		if ids == nil {
			var resp struct {
				Records []struct {
					ID string `json:"id"`
				} `json:"records"`
			}
			if err := json.Unmarshal(respBody, &resp); err == nil {
				for _, r := range resp.Records {
					createdIDs = append(createdIDs, r.ID)
				}
			}
		}
	}
	return createdIDs, nil
}

func (c *Client) getJSON(ctx context.Context, baseID, endpoint string, out any) error {
	if baseID != "" {
		if err := c.wait(ctx, baseID); err != nil {
			return err
		}
	}
	_, body, err := c.http.Do(ctx, "GET", endpoint, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
