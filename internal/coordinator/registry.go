package coordinator

import (
	"math/rand/v2"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/trellis/internal/cluster"
)

// MembershipRegistry tracks the live proxies and the current leader.
//
// Invariants:
//   - proxies holds each address at most once, in registration order
//   - leader is nil exactly when proxies is empty
//   - when non-nil, leader is an element of proxies
//   - leader is chosen on the first attach and moves only when the leader
//     itself detaches, to the oldest remaining proxy
//
// Concurrency Model:
//   - Read operations (Leader, Proxies, Random) take RLock
//   - Attach and Detach take Lock
//   - All returned slices are copies
type MembershipRegistry struct {
	mu      sync.RWMutex
	proxies []cluster.NodeAddress
	leader  *cluster.NodeAddress
}

// AttachResult describes the registry after an Attach.
type AttachResult struct {
	Leader cluster.NodeAddress   // Leader after the attach
	Peers  []cluster.NodeAddress // Members other than the attached node, oldest first
	Added  bool                  // False when the node was already a member
}

// DetachResult describes the registry after a Detach.
type DetachResult struct {
	Leader    *cluster.NodeAddress  // Leader after the detach; nil when empty
	Remaining []cluster.NodeAddress // Members after the detach, oldest first
	WasLeader bool                  // The detached node was the leader
	Removed   bool                  // False when the node was not a member
}

// NewMembershipRegistry creates an empty registry.
func NewMembershipRegistry() *MembershipRegistry {
	return &MembershipRegistry{}
}

// Attach adds node. The first member becomes leader. Attaching an existing
// member leaves the registry unchanged.
func (r *MembershipRegistry) Attach(node cluster.NodeAddress) AttachResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := !slices.Contains(r.proxies, node)
	if added {
		r.proxies = append(r.proxies, node)
	}
	if r.leader == nil {
		leader := node
		r.leader = &leader
	}

	peers := make([]cluster.NodeAddress, 0, len(r.proxies))
	for _, p := range r.proxies {
		if p != node {
			peers = append(peers, p)
		}
	}
	return AttachResult{Leader: *r.leader, Peers: peers, Added: added}
}

// Detach removes node. When node was the leader, leadership moves to the
// oldest remaining member, or is cleared when none remain.
func (r *MembershipRegistry) Detach(node cluster.NodeAddress) DetachResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := DetachResult{}
	if i := slices.Index(r.proxies, node); i >= 0 {
		r.proxies = slices.Delete(r.proxies, i, i+1)
		res.Removed = true
	}
	if r.leader != nil && *r.leader == node {
		res.WasLeader = true
		r.leader = nil
		if len(r.proxies) > 0 {
			next := r.proxies[0]
			r.leader = &next
		}
	}
	if r.leader != nil {
		leader := *r.leader
		res.Leader = &leader
	}
	res.Remaining = slices.Clone(r.proxies)
	return res
}

// Leader returns the current leader.
func (r *MembershipRegistry) Leader() (cluster.NodeAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.leader == nil {
		return cluster.NodeAddress{}, false
	}
	return *r.leader, true
}

// Proxies returns the members in registration order.
func (r *MembershipRegistry) Proxies() []cluster.NodeAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.proxies)
}

// Contains reports whether node is a member.
func (r *MembershipRegistry) Contains(node cluster.NodeAddress) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.proxies, node)
}

// Len returns the number of members.
func (r *MembershipRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}

// Random returns a uniformly chosen member.
func (r *MembershipRegistry) Random() (cluster.NodeAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.proxies) == 0 {
		return cluster.NodeAddress{}, false
	}
	return r.proxies[rand.IntN(len(r.proxies))], true
}
