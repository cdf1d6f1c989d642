// Package coordinator implements Snorkel's per-query fan-out role:
// whichever node receives a client query executes it locally, forwards
// the same query to every configured peer, and merges the partial
// aggregate states before handoff to exec.Finalize.
//
// # Overview
//
// There is no standing control plane, no shard-to-node assignment
// table, and no cluster-wide consistent state: cluster
// membership is a static peer list read once at startup
// (internal/cluster, cmd/snorkeld/config.go), and every node can act as
// the coordinator for a query it happens to receive.
//
// # Components
//
// Fanout dispatches one query to every peer and merges results,
// tolerating individual peer failures (a missed peer adds to
// MissingPeers and sets Degraded, it never fails the query).
//
// PeerMonitor is a best-effort background liveness tracker whose
// Snapshot reports per-peer status; cmd/snorkeld neither starts one nor
// serves its snapshot. It does not gate Fanout, which always tries
// every peer fresh on every query.
package coordinator
