// Package cluster holds the vocabulary shared by every trellis node:
// addressing, roles and their port ranges, the data-plane envelope, the
// order entity, sentinel errors and the client helpers used to talk to peers.
//
// # Overview
//
// A trellis deployment has three tiers. A Localization node keeps the
// membership of Proxy nodes and elects a leader among them. Proxy nodes cache
// orders and funnel writes through the leader. Application nodes are the store
// of record, arranged as one primary with optional backups.
//
// Every node listens on two planes:
//
//	data plane     one JSON Request, one JSON Response per TCP connection
//	control plane  HTTP/JSON between peers (leader pushes, cache fills,
//	               backup replication, health, metrics)
//
// A node is identified by its NodeAddress, the pair of both listen addresses.
//
// # Port Allocation
//
// Each Role owns a data range and a control range of RangeSize ports:
//
//	localization  data 8400-8419  control 8500-8519
//	proxy         data 8420-8439  control 8520-8539
//	application   data 8440-8459  control 8540-8559
//
// EphemeralPorts delegates the choice to the operating system and is what the
// tests use.
//
// # Client Helpers
//
// Send performs a data-plane round trip and always returns a Response; I/O
// failures become ERROR responses wrapping ErrConnection or ErrDecode.
// PostJSON and GetJSON are the control-plane equivalents and return errors.
// Retry wraps either in a bounded retry loop.
//
// # Errors
//
// Errors crossing the network become Response.Message strings. ErrorResponse
// puts the wrapped sentinel's text first ("order not found: ...") and
// Response.Err maps that prefix back to the sentinel, so errors.Is keeps
// working on the caller's side. A control-plane reply outside 2xx is
// ErrPeerStatus, never ErrNotFound.
package cluster
