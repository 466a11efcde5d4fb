package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/sourcea"
	"github.com/reoxt/basesync/internal/store"
)

// fakeSourceAServer serves the endpoints RunAToB needs in dry-run mode:
// the base schema, one page of table records, and the records of the
// linked users table (tblUsers) that linked-record fields resolve against.
func fakeSourceAServer(t *testing.T, schemaJSON, recordsJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/meta/bases/app1/tables", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(schemaJSON))
	})
	mux.HandleFunc("/v0/app1/tbl1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(recordsJSON))
	})
	mux.HandleFunc("/v0/app1/tblUsers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[
			{"id":"rec_u1","createdTime":"2024-01-01T00:00:00Z","fields":{"fldUserName":"Ana"}},
			{"id":"rec_u2","createdTime":"2024-01-01T00:00:00Z","fields":{"fldUserName":"Ben"}}
		]}`))
	})
	return httptest.NewServer(mux)
}

func testAuthHeader(ctx context.Context) (string, error) { return "test-token", nil }

// TestRunAToB_DryRun_ThreeRecordsWithLinkedField is grounded on the engine's
// three-record, one-linked-field end-to-end scenario: dry run must report
// the record count without touching Source B at all.
func TestRunAToB_DryRun_ThreeRecordsWithLinkedField(t *testing.T) {
	schema := `{"tables":[{"id":"tbl1","name":"People","fields":[
		{"id":"fldName","name":"Name","type":"singleLineText"},
		{"id":"fldOwner","name":"Owner","type":"multipleRecordLinks","options":{"linkedTableId":"tblUsers"}}
	]},{"id":"tblUsers","name":"Users","fields":[
		{"id":"fldUserName","name":"Name","type":"singleLineText"}
	]}]}`
	records := `{"records":[
		{"id":"r1","createdTime":"2024-01-01T00:00:00Z","fields":{"fldName":"Alpha","fldOwner":["rec_u1"]}},
		{"id":"r2","createdTime":"2024-01-01T00:00:00Z","fields":{"fldName":"Beta","fldOwner":["rec_u1","rec_u2"]}},
		{"id":"r3","createdTime":"2024-01-01T00:00:00Z","fields":{"fldName":"Gamma","fldOwner":[]}}
	]}`

	server := fakeSourceAServer(t, schema, records)
	defer server.Close()

	client := sourcea.NewClient(server.URL, 5*time.Second, testAuthHeader)

	cfg := store.SyncConfig{
		SourceABaseID:  "app1",
		SourceATableID: "tbl1",
		FieldMapping:   store.FieldMapping{"fldName": 0, "fldOwner": 1},
	}

	res, err := RunAToB(context.Background(), Deps{SourceA: client}, cfg, true)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)
	require.Equal(t, 3, res.Added)
	require.Empty(t, res.Errors)
}

func TestRunAToB_DryRun_EmptyTableProducesNoRecords(t *testing.T) {
	schema := `{"tables":[{"id":"tbl1","name":"Empty","fields":[{"id":"fldName","name":"Name","type":"singleLineText"}]}]}`
	records := `{"records":[]}`

	server := fakeSourceAServer(t, schema, records)
	defer server.Close()

	client := sourcea.NewClient(server.URL, 5*time.Second, testAuthHeader)
	cfg := store.SyncConfig{
		SourceABaseID:  "app1",
		SourceATableID: "tbl1",
		FieldMapping:   store.FieldMapping{"fldName": 0},
	}

	res, err := RunAToB(context.Background(), Deps{SourceA: client}, cfg, true)
	require.NoError(t, err)
	require.Equal(t, 0, res.Added)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)
}

func TestRunAToB_MissingTableReturnsError(t *testing.T) {
	schema := `{"tables":[{"id":"tblOther","name":"Other","fields":[]}]}`
	server := fakeSourceAServer(t, schema, `{"records":[]}`)
	defer server.Close()

	client := sourcea.NewClient(server.URL, 5*time.Second, testAuthHeader)
	cfg := store.SyncConfig{SourceABaseID: "app1", SourceATableID: "tbl1"}

	_, err := RunAToB(context.Background(), Deps{SourceA: client}, cfg, true)
	require.Error(t, err)
}
