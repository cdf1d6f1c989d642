package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamware/snorkel/internal/cluster"
	"github.com/dreamware/snorkel/internal/exec"
)

func newPartial(rowsScanned int) *exec.PartialResult {
	return &exec.PartialResult{Groups: make(map[string]*exec.GroupResult), RowsScanned: rowsScanned}
}

func TestFanoutNoPeersReturnsLocalUnchanged(t *testing.T) {
	local := newPartial(5)
	res, err := Fanout(context.Background(), nil, "SELECT COUNT(*) FROM events", local)
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if res.Partial != local {
		t.Error("with no peers, Fanout should return the local partial untouched")
	}
	if res.Degraded {
		t.Error("Degraded should be false with no peers configured")
	}
	if res.RequestID == "" {
		t.Error("RequestID should be populated")
	}
}

func TestFanoutMergesReachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cluster.PartialResponse{Partial: newPartial(10)})
	}))
	defer srv.Close()

	peers := []cluster.Peer{{ID: "p1", Addr: srv.Listener.Addr().String()}}
	local := newPartial(5)
	res, err := Fanout(context.Background(), peers, "SELECT COUNT(*) FROM events", local)
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if res.Degraded {
		t.Error("Degraded should be false when the peer responds successfully")
	}
	if len(res.MissingPeers) != 0 {
		t.Errorf("MissingPeers = %v, want empty", res.MissingPeers)
	}
	if res.Partial.RowsScanned != 15 {
		t.Errorf("RowsScanned = %d, want 15 (5 local + 10 from the peer)", res.Partial.RowsScanned)
	}
}

func TestFanoutUnreachablePeerDegradesWithoutFailing(t *testing.T) {
	peers := []cluster.Peer{{ID: "p1", Addr: "127.0.0.1:1"}} // nothing listens here
	local := newPartial(5)
	res, err := Fanout(context.Background(), peers, "SELECT COUNT(*) FROM events", local)
	if err != nil {
		t.Fatalf("Fanout should never fail outright on a peer miss: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded should be true when a peer is unreachable")
	}
	if len(res.MissingPeers) != 1 || res.MissingPeers[0] != "p1" {
		t.Errorf("MissingPeers = %v, want [p1]", res.MissingPeers)
	}
	if res.Partial.RowsScanned != 5 {
		t.Errorf("RowsScanned = %d, want 5 (local only, peer missing)", res.Partial.RowsScanned)
	}
}

func TestFanoutPeerErrorResponseCountsAsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cluster.PartialResponse{Error: "unknown table: events"})
	}))
	defer srv.Close()

	peers := []cluster.Peer{{ID: "p1", Addr: srv.Listener.Addr().String()}}
	local := newPartial(5)
	res, err := Fanout(context.Background(), peers, "SELECT COUNT(*) FROM events", local)
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if !res.Degraded || len(res.MissingPeers) != 1 {
		t.Errorf("res = %+v, want Degraded and one missing peer", res)
	}
}

func TestFanoutMixOfHealthyAndUnreachablePeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cluster.PartialResponse{Partial: newPartial(20)})
	}))
	defer srv.Close()

	peers := []cluster.Peer{
		{ID: "good", Addr: srv.Listener.Addr().String()},
		{ID: "bad", Addr: "127.0.0.1:1"},
	}
	local := newPartial(5)
	res, err := Fanout(context.Background(), peers, "SELECT COUNT(*) FROM events", local)
	if err != nil {
		t.Fatalf("Fanout: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded should be true since one peer was unreachable")
	}
	if len(res.MissingPeers) != 1 || res.MissingPeers[0] != "bad" {
		t.Errorf("MissingPeers = %v, want [bad]", res.MissingPeers)
	}
	if res.Partial.RowsScanned != 25 {
		t.Errorf("RowsScanned = %d, want 25 (5 local + 20 from the reachable peer)", res.Partial.RowsScanned)
	}
}
