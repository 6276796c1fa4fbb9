// Package nodetable holds the authoritative set of node records for a
// cluster view and computes quorum from their vote counts.
package nodetable

import (
	"sync"
	"time"

	"github.com/cuemby/clustercore/pkg/types"
)

// quorumDevice is a pseudo member that contributes votes to the quorum
// calculation only while an external process is feeding it heartbeats.
type quorumDevice struct {
	votes         uint32
	lastHeartbeat time.Time
	alive         bool
}

// Table is the node record set, keyed by node id. It is safe for
// concurrent use.
type Table struct {
	mu            sync.RWMutex
	byID          map[int32]*types.Node
	highestExpect uint32
	twoNode       bool
	quorum        uint32
	qdevice       *quorumDevice
}

// New returns an empty table. twoNode forces quorum to 1 regardless of
// vote totals, matching the original two-node special case.
func New(twoNode bool) *Table {
	return &Table{byID: make(map[int32]*types.Node), twoNode: twoNode}
}

// Put inserts or replaces a node record.
func (t *Table) Put(n *types.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[n.NodeID] = n
	if n.ExpectedVotes > t.highestExpect {
		t.highestExpect = n.ExpectedVotes
	}
}

// Remove deletes a node record by id.
func (t *Table) Remove(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// FindByID returns the node with the given id, if present.
func (t *Table) FindByID(id int32) (*types.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	return n, ok
}

// FindByName returns the node with the given name, if present.
func (t *Table) FindByName(name string) (*types.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.byID {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// FindByAddr returns the node owning addr, if any.
func (t *Table) FindByAddr(addr types.Address) (*types.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.byID {
		if n.HasAddress(addr) {
			return n, true
		}
	}
	return nil, false
}

// All returns every node record in the table, in no particular order.
func (t *Table) All() []*types.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Node, 0, len(t.byID))
	for _, n := range t.byID {
		out = append(out, n)
	}
	return out
}

// Members returns every node record currently in NodeMember state.
func (t *Table) Members() []*types.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Node, 0, len(t.byID))
	for _, n := range t.byID {
		if n.State == types.NodeMember {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of node records in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// RecalculateQuorum recomputes the cached quorum value from current node
// votes and the highest expected-votes value ever observed, applying the
// OpenVMS-style formula:
//
//	quorum = max(floor((highest_expected+2)/2), floor((total_votes+2)/2))
//
// unless two_node mode is active, in which case quorum is always 1.
//
// Unless allowDecrease is true, the result is floored to the previous
// quorum value: quorum only drops below where it has already been under
// an explicit reconfiguration (a changed expected-votes or node-votes
// value, a new quorum device), never as a side effect of membership simply shrinking.
func (t *Table) RecalculateQuorum(allowDecrease bool) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.twoNode {
		t.quorum = 1
		return t.quorum
	}
	var totalVotes uint32
	for _, n := range t.byID {
		if n.State == types.NodeMember {
			totalVotes += n.Votes
		}
	}
	if t.qdevice != nil && t.qdevice.alive {
		totalVotes += t.qdevice.votes
	}
	fromExpected := (t.highestExpect + 2) / 2
	fromTotal := (totalVotes + 2) / 2
	q := fromExpected
	if fromTotal > q {
		q = fromTotal
	}
	if !allowDecrease && q < t.quorum {
		q = t.quorum
	}
	t.quorum = q
	return q
}

// Quorum returns the most recently calculated quorum value.
func (t *Table) Quorum() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.quorum
}

// Quorate reports whether the sum of member votes meets the current
// quorum threshold.
func (t *Table) Quorate() bool {
	t.mu.RLock()
	var totalVotes uint32
	for _, n := range t.byID {
		if n.State == types.NodeMember {
			totalVotes += n.Votes
		}
	}
	if t.qdevice != nil && t.qdevice.alive {
		totalVotes += t.qdevice.votes
	}
	q := t.quorum
	t.mu.RUnlock()
	return totalVotes >= q
}

// RegisterQuorumDevice installs a pseudo member contributing votes to
// quorum while it keeps sending heartbeats. Registering again replaces
// the previous device.
func (t *Table) RegisterQuorumDevice(votes uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.qdevice = &quorumDevice{votes: votes, lastHeartbeat: time.Now(), alive: true}
}

// QuorumDeviceHeartbeat records a good heartbeat from the registered
// quorum device. It is a no-op if none is registered.
func (t *Table) QuorumDeviceHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.qdevice == nil {
		return
	}
	t.qdevice.lastHeartbeat = time.Now()
	t.qdevice.alive = true
}

// HasQuorumDevice reports whether a quorum device is registered.
func (t *Table) HasQuorumDevice() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.qdevice != nil
}

// CheckQuorumDevice declares the registered quorum device dead if its
// last heartbeat predates timeout. It reports true exactly when this call
// is the one that transitions the device from alive to dead.
func (t *Table) CheckQuorumDevice(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.qdevice == nil || !t.qdevice.alive {
		return false
	}
	if time.Since(t.qdevice.lastHeartbeat) < timeout {
		return false
	}
	t.qdevice.alive = false
	return true
}

// SetHighestExpected records an externally observed expected-votes value
// (e.g. from a joiner's JOINREQ) so it participates in future quorum
// recalculation even before that node is a full member.
func (t *Table) SetHighestExpected(v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.highestExpect {
		t.highestExpect = v
	}
}
