package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer() *server {
	return newServer("test-node", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.routes(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateTableThenList(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.routes(), http.MethodGet, "/tables", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var body struct {
		Tables []tableSummary `json:"tables"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tables) != 1 || body.Tables[0].Name != "events" {
		t.Errorf("Tables = %+v, want one table named events", body.Tables)
	}
}

func TestCreateDuplicateTableConflicts(t *testing.T) {
	s := newTestServer()
	doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})
	rec := doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})
	if rec.Code == http.StatusCreated {
		t.Error("creating a duplicate table should not return 201")
	}
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	s := newTestServer()
	doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})

	ingestReq := map[string]any{
		"table": "events",
		"rows": []map[string]any{
			{"timestamp": 1000, "host": "web-1", "latency_ms": 42.5},
			{"timestamp": 2000, "host": "web-2", "latency_ms": 12.0},
		},
	}
	rec := doJSON(t, s.routes(), http.MethodPost, "/ingest", ingestReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var ingestResp struct {
		Inserted int      `json:"inserted"`
		Errors   []string `json:"errors"`
	}
	json.Unmarshal(rec.Body.Bytes(), &ingestResp)
	if ingestResp.Inserted != 2 {
		t.Fatalf("Inserted = %d, want 2: errors=%v", ingestResp.Inserted, ingestResp.Errors)
	}

	rec = doJSON(t, s.routes(), http.MethodPost, "/query", map[string]string{"sql": "SELECT COUNT(*) FROM events"})
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var qr queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &qr); err != nil {
		t.Fatalf("decode query response: %v", err)
	}
	if qr.RowCount != 1 || len(qr.Rows) != 1 {
		t.Fatalf("qr = %+v", qr)
	}
	if count, ok := qr.Rows[0][0].(float64); !ok || count != 2 {
		t.Errorf("COUNT(*) = %v, want 2", qr.Rows[0][0])
	}
}

func TestQueryUnknownTableIs404(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.routes(), http.MethodPost, "/query", map[string]string{"sql": "SELECT COUNT(*) FROM nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueryBadSQLIs400(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.routes(), http.MethodPost, "/query", map[string]string{"sql": "NOT VALID SQL"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDropTable(t *testing.T) {
	s := newTestServer()
	doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})

	req := httptest.NewRequest(http.MethodDelete, "/tables/events", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("drop status = %d, want 204", rec.Code)
	}

	rec2 := doJSON(t, s.routes(), http.MethodPost, "/query", map[string]string{"sql": "SELECT COUNT(*) FROM events"})
	if rec2.Code != http.StatusNotFound {
		t.Errorf("querying a dropped table should 404, got %d", rec2.Code)
	}
}

func TestTableSchemaEndpoint(t *testing.T) {
	s := newTestServer()
	doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})

	req := httptest.NewRequest(http.MethodGet, "/tables/events/schema", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Columns []columnInfo `json:"columns"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Columns) != 1 || body.Columns[0].Name != "timestamp" {
		t.Errorf("Columns = %+v, want just timestamp on a freshly created table", body.Columns)
	}
}

func TestFlattenNestedObject(t *testing.T) {
	raw := map[string]interface{}{
		"timestamp": float64(1000),
		"meta": map[string]interface{}{
			"region": "us-east",
		},
	}
	row := flatten(raw, "")
	if row["meta.region"].Str != "us-east" {
		t.Errorf(`row["meta.region"] = %+v, want "us-east"`, row["meta.region"])
	}
	if row["timestamp"].I64 != 1000 {
		t.Errorf(`row["timestamp"] = %+v, want Timestamp(1000)`, row["timestamp"])
	}
}

func TestFlattenIntegerFloatBecomesInt64(t *testing.T) {
	row := flatten(map[string]interface{}{"count": float64(5)}, "")
	if row["count"].Typ.String() != "int64" {
		t.Errorf("count type = %v, want int64 for a whole-number JSON float", row["count"].Typ)
	}
}

func TestHandleStats(t *testing.T) {
	s := newTestServer()
	doJSON(t, s.routes(), http.MethodPost, "/tables", map[string]any{"name": "events"})
	rec := doJSON(t, s.routes(), http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		NodeID string `json:"node_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.NodeID != "test-node" {
		t.Errorf("node_id = %q, want test-node", body.NodeID)
	}
}
