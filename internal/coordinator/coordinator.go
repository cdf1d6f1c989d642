// Package coordinator implements per-query fan-out: a node becomes the
// coordinator for one incoming query, executes it locally, forwards the
// same query to every configured peer, and merges the partial results.
//
// There is no always-on polling loop gating dispatch — cluster
// membership is static, so a peer's reachability is judged fresh on
// every query, not cached from a ticker.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/snorkel/internal/cluster"
	"github.com/dreamware/snorkel/internal/exec"
)

// DefaultPeerDeadline is the per-peer RPC budget.
const DefaultPeerDeadline = 2 * time.Second

// Result is the coordinator's fully merged, not-yet-finalized output:
// the combined partial aggregate state plus which peers, if any, failed
// to respond within their deadline.
type Result struct {
	Partial      *exec.PartialResult
	RequestID    string
	MissingPeers []string
	Degraded     bool // true when any peer was unreachable; surfaced as "partial: true" over HTTP
}

// Fanout dispatches sql to every peer via POST /internal/partial,
// merges each reachable peer's partial into local (the result of
// already executing sql against this node's own shards), and returns
// once every peer has either answered or missed its deadline. A single
// peer failure never fails the query — it only adds that peer to
// MissingPeers and sets the partial flag.
func Fanout(ctx context.Context, peers []cluster.Peer, sql string, local *exec.PartialResult) (*Result, error) {
	res := &Result{Partial: local, RequestID: uuid.NewString()}
	if len(peers) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			pr, err := callPeer(ctx, peer, sql, res.RequestID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.MissingPeers = append(res.MissingPeers, peer.ID)
				res.Degraded = true
				return
			}
			res.Partial.Merge(pr)
		}()
	}
	wg.Wait()
	return res, nil
}

func callPeer(ctx context.Context, peer cluster.Peer, sql, requestID string) (*exec.PartialResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultPeerDeadline)
	defer cancel()

	req := cluster.PartialRequest{SQL: sql, RequestID: requestID, NoFanout: true}
	var resp cluster.PartialResponse
	url := fmt.Sprintf("http://%s/internal/partial", peer.Addr)
	if err := cluster.PostJSON(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("peer %s: %s", peer.ID, resp.Error)
	}
	return resp.Partial, nil
}
