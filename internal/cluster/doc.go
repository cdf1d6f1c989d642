// Package cluster documents Snorkel's cluster topology: a flat set of
// statically-configured peers, each a full node running the same
// snorkeld binary, with no coordinator hub and no membership protocol.
//
// # Overview
//
// Every node serves the same role: it owns some set of tables locally,
// accepts queries over HTTP, and — if it has peers configured via
// SNORKEL_PEERS — forwards every incoming query to those peers and
// merges their partial results with its own (internal/coordinator).
// Whichever node receives the original client request acts as that
// query's coordinator; there is no dedicated coordinator process and
// no notion of a node being "the" coordinator across queries.
//
// # Architecture
//
//	  client
//	    |
//	    v
//	+--------+  /internal/partial  +--------+
//	| node A |-------------------->| node B |
//	| (coord +--------------------+| node C |
//	|  for   |  /internal/partial  +--------+
//	|  this  |
//	|  query)|
//	+--------+
//
// Any node can act as coordinator for a query it receives; the same
// node is just another peer from another node's perspective.
//
// # Membership
//
// Peer addresses are read once from SNORKEL_PEERS at process start
// (cmd/snorkeld/config.go) and never change at runtime — there is no
// gossip, no consensus, and no dynamic join/leave.
// Operators add or remove a peer by restarting every node with an
// updated peer list.
//
// # Communication protocol
//
// All inter-node traffic is JSON over HTTP (PostJSON/GetJSON in this
// package):
//
//	POST /internal/partial - forward a query for local-only execution
//	                          (PartialRequest/PartialResponse)
//	GET  /health            - liveness probe
//
// # Failure handling
//
// A peer that doesn't answer within its deadline (coordinator.
// DefaultPeerDeadline) is recorded in the query's MissingPeers list and
// the response is marked partial; it never fails the query outright.
// There is no automatic retry, backoff, or removal of a failing peer
// from the configured list — the next query tries it again from
// scratch.
package cluster
