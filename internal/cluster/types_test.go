package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/snorkel/internal/exec"
)

func TestPeerJSONRoundTrip(t *testing.T) {
	p := Peer{ID: "node-2", Addr: "http://10.0.0.2:7650"}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal(data, &jsonMap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if jsonMap["id"] != "node-2" {
		t.Errorf("id = %v, want node-2", jsonMap["id"])
	}
	if jsonMap["addr"] != "http://10.0.0.2:7650" {
		t.Errorf("addr = %v, want http://10.0.0.2:7650", jsonMap["addr"])
	}
}

func TestPostJSONSendsBodyAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req PartialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("server decode: %v", err)
		}
		if req.SQL != "SELECT COUNT(*) FROM events" {
			t.Errorf("sql = %q", req.SQL)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PartialResponse{RowsScanned: 42})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp PartialResponse
	req := PartialRequest{RequestID: "r1", SQL: "SELECT COUNT(*) FROM events"}
	if err := PostJSON(ctx, srv.URL, req, &resp); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if resp.RowsScanned != 42 {
		t.Errorf("RowsScanned = %d, want 42", resp.RowsScanned)
	}
}

func TestPostJSONErrorStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	err := PostJSON(ctx, srv.URL, PartialRequest{}, nil)
	if err == nil {
		t.Fatal("expected an error for a 500 response, got nil")
	}
}

func TestPostJSONNilOutDiscardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows_scanned": 1}`))
	}))
	defer srv.Close()

	if err := PostJSON(context.Background(), srv.URL, PartialRequest{}, nil); err != nil {
		t.Fatalf("PostJSON with nil out: %v", err)
	}
}

func TestGetJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	var out map[string]string
	if err := GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %q, want ok", out["status"])
	}
}

func TestPartialResponseCarriesErrorDetail(t *testing.T) {
	resp := PartialResponse{Error: "unknown table: events"}
	if resp.Partial != nil {
		t.Error("Partial should be nil when Error is set")
	}
	if resp.Error == "" {
		t.Error("expected Error to be populated")
	}
}

func TestPartialResponseCarriesPartialResult(t *testing.T) {
	resp := PartialResponse{Partial: &exec.PartialResult{RowsScanned: 10}}
	if resp.Error != "" {
		t.Error("Error should be empty on a successful response")
	}
	if resp.Partial.RowsScanned != 10 {
		t.Errorf("RowsScanned = %d, want 10", resp.Partial.RowsScanned)
	}
}
