// Package coordinator implements the Localization tier of trellis: the
// membership registry every proxy attaches to, the leader election that
// rides on it, and the health monitor that removes proxies which stop
// answering.
//
// # Overview
//
// Localization is the only node a client needs to know in advance. A client
// sends LOCALIZE and receives the data address of a randomly chosen proxy.
// Proxies send ATTACH when they start and DETACH when they stop; each change
// is fanned out so that every proxy always knows the full set of its
// siblings (its replica set) and the current leader.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              LOCALIZATION                │
//	├──────────────────────────────────────────┤
//	│  data plane (TCP, one JSON request)      │
//	│    ATTACH / DETACH / LOCALIZE            │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │ MembershipRegistry                 │  │
//	│  │   proxies in attach order          │  │
//	│  │   leader = oldest member           │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ HealthMonitor                      │  │
//	│  │   GET /health on each proxy        │  │
//	│  │   evicts after 3 failed probes     │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  control plane (HTTP)                    │
//	│    /health  /info  /metrics              │
//	└──────────────────────────────────────────┘
//
// # Leader Election
//
// The leader is the proxy that has been attached the longest. The first
// proxy to attach becomes leader; when the leader detaches (or is evicted by
// the health monitor) the oldest remaining proxy is promoted. With no
// proxies there is no leader and LOCALIZE fails with cluster.ErrNoProxy.
//
// Invariants maintained by MembershipRegistry:
//   - a node appears at most once
//   - the leader is always a member, or unset when the registry is empty
//   - attach order is preserved across detaches
//
// # Membership Fan-out
//
// On ATTACH of P the node:
//  1. records P and replies with the current leader
//  2. sends ATTACH(P) to every existing member
//  3. sends ATTACH(Q) to P for every existing member Q
//
// On DETACH of P every remaining member receives DETACH(P). When P was the
// leader the new leader is returned to the caller, which pushes it to its
// former siblings. A health-driven eviction has no caller, so the node
// pushes the new leader to every member itself.
//
// Notifications are sent in parallel, each with a bounded timeout and a
// small number of retries. A member that cannot be reached is logged and
// skipped; it never blocks the change for the others.
//
// # Concurrency
//
// Membership changes are serialized so that a registry update and its
// fan-out complete before the next change starts. LOCALIZE and the control
// endpoints only take the registry's read lock.
//
// # Events
//
// Attach, detach and leader changes are published through events.Publisher
// (NATS in production, a no-op when no server is configured).
package coordinator
