package routing

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrShardNotFound is returned when a shard key is not in the routing table.
var ErrShardNotFound = errors.New("shard not found")

// ErrIllegalState is returned when a transition does not apply to the
// current state of a shard copy.
var ErrIllegalState = errors.New("illegal shard state")

// RoutingNode is the set of shard copies assigned to one node: started,
// initializing and relocating away, plus the targets of relocations to it.
// It holds keys into the arena, never shard records.
type RoutingNode struct {
	nodeID string
	keys   []ShardKey
	table  *RoutingNodes
}

func (n *RoutingNode) NodeID() string { return n.nodeID }

// Size is the number of copies on the node.
func (n *RoutingNode) Size() int { return len(n.keys) }

// Shards returns the copies on the node as seen from it, in assignment order.
func (n *RoutingNode) Shards() []ShardRouting {
	out := make([]ShardRouting, 0, len(n.keys))
	for _, k := range n.keys {
		out = append(out, n.table.viewOn(k, n.nodeID))
	}
	return out
}

// ShardsWithState returns the copies on the node in any of the states.
func (n *RoutingNode) ShardsWithState(states ...ShardRoutingState) []ShardRouting {
	var out []ShardRouting
	for _, s := range n.Shards() {
		if slices.Contains(states, s.State()) {
			out = append(out, s)
		}
	}
	return out
}

// NumberOfShardsWithState counts copies on the node in any of the states.
func (n *RoutingNode) NumberOfShardsWithState(states ...ShardRoutingState) int {
	return len(n.ShardsWithState(states...))
}

// GetByShardID returns the copy of the shard on this node, if any.
func (n *RoutingNode) GetByShardID(id ShardID) (ShardRouting, bool) {
	for _, k := range n.keys {
		if k.ShardID == id {
			return n.table.viewOn(k, n.nodeID), true
		}
	}
	return ShardRouting{}, false
}

func (n *RoutingNode) add(k ShardKey) {
	n.keys = append(n.keys, k)
}

func (n *RoutingNode) remove(k ShardKey) {
	if i := slices.Index(n.keys, k); i >= 0 {
		n.keys = slices.Delete(n.keys, i, i+1)
	}
}

// RoutingNodes is the mutable routing table of the cluster. Shard records
// live in one arena keyed by ShardKey; nodes and the unassigned list refer
// to them by key. A relocation is a single record that appears on both its
// source and target node.
//
// RoutingNodes is not safe for concurrent use.
type RoutingNodes struct {
	arena      map[ShardKey]*ShardRouting
	copies     map[ShardID]int
	nodes      map[string]*RoutingNode
	unassigned *UnassignedShards
}

// NewRoutingNodes returns an empty routing table.
func NewRoutingNodes() *RoutingNodes {
	rn := &RoutingNodes{
		arena:  make(map[ShardKey]*ShardRouting),
		copies: make(map[ShardID]int),
		nodes:  make(map[string]*RoutingNode),
	}
	rn.unassigned = &UnassignedShards{table: rn}
	return rn
}

// AddNode registers an empty node. Adding a known node is a no-op.
func (rn *RoutingNodes) AddNode(nodeID string) {
	if _, ok := rn.nodes[nodeID]; ok {
		return
	}
	rn.nodes[nodeID] = &RoutingNode{nodeID: nodeID, table: rn}
}

// RemoveNode drops a node. Relocations towards it are cancelled and every
// other copy on it is failed with NODE_LEFT. It returns the number of copies
// that became unassigned.
func (rn *RoutingNodes) RemoveNode(nodeID string) int {
	node, ok := rn.nodes[nodeID]
	if !ok {
		return 0
	}
	keys := slices.Clone(node.keys)
	count := 0
	for _, k := range keys {
		s := rn.arena[k]
		if s.state == Relocating && s.relocatingNodeID == nodeID {
			node.remove(k)
			s.cancelRelocation()
			continue
		}
		if s.state == Unassigned {
			// already failed as part of a primary failure earlier in the loop
			continue
		}
		info := NewUnassignedInfo(ReasonNodeLeft, fmt.Sprintf("node_left[%s]", nodeID))
		count += rn.fail(k, info)
	}
	delete(rn.nodes, nodeID)
	return count
}

// AddIndex creates every copy of a new index as unassigned. Copy 0 of each
// shard is the primary.
func (rn *RoutingNodes) AddIndex(meta IndexMetadata, info *UnassignedInfo) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	for n := 0; n < meta.NumberOfShards; n++ {
		id := ShardID{Index: meta.Name, Shard: n}
		if _, ok := rn.copies[id]; ok {
			return errors.Errorf("index [%s] already exists", meta.Name)
		}
	}
	for n := 0; n < meta.NumberOfShards; n++ {
		id := ShardID{Index: meta.Name, Shard: n}
		for c := 0; c <= meta.NumberOfReplicas; c++ {
			rn.addUnassigned(ShardKey{ShardID: id, Copy: c}, c == 0, info.clone())
		}
		rn.copies[id] = meta.NumberOfReplicas + 1
	}
	return nil
}

// AddReplica appends one unassigned replica to every shard of the index.
func (rn *RoutingNodes) AddReplica(index string) error {
	found := false
	for id, n := range rn.copies {
		if id.Index != index {
			continue
		}
		found = true
		rn.addUnassigned(ShardKey{ShardID: id, Copy: n}, false, NewUnassignedInfo(ReasonReplicaAdded, ""))
		rn.copies[id] = n + 1
	}
	if !found {
		return errors.Wrapf(ErrShardNotFound, "index [%s]", index)
	}
	return nil
}

func (rn *RoutingNodes) addUnassigned(k ShardKey, primary bool, info *UnassignedInfo) {
	s := NewUnassignedShard(k, primary, info)
	rn.arena[k] = &s
	rn.unassigned.add(k)
}

// Node returns the routing node with the given id.
func (rn *RoutingNodes) Node(nodeID string) (*RoutingNode, bool) {
	n, ok := rn.nodes[nodeID]
	return n, ok
}

// Nodes returns every routing node ordered by id.
func (rn *RoutingNodes) Nodes() []*RoutingNode {
	out := make([]*RoutingNode, 0, len(rn.nodes))
	for _, n := range rn.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nodeID < out[j].nodeID })
	return out
}

// Unassigned returns the unassigned collection.
func (rn *RoutingNodes) Unassigned() *UnassignedShards {
	return rn.unassigned
}

// Get returns the record of one copy.
func (rn *RoutingNodes) Get(k ShardKey) (ShardRouting, bool) {
	s, ok := rn.arena[k]
	if !ok {
		return ShardRouting{}, false
	}
	return *s, true
}

// ShardIDs returns every shard id ordered by index and number.
func (rn *RoutingNodes) ShardIDs() []ShardID {
	out := make([]ShardID, 0, len(rn.copies))
	for id := range rn.copies {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Shard < out[j].Shard
	})
	return out
}

// Copies returns every copy of a shard in copy order.
func (rn *RoutingNodes) Copies(id ShardID) []ShardRouting {
	n := rn.copies[id]
	out := make([]ShardRouting, 0, n)
	for c := 0; c < n; c++ {
		if s, ok := rn.arena[ShardKey{ShardID: id, Copy: c}]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// ActivePrimary returns the started or relocating primary of a shard.
func (rn *RoutingNodes) ActivePrimary(id ShardID) (ShardRouting, bool) {
	for _, s := range rn.Copies(id) {
		if s.primary && s.Active() {
			return s, true
		}
	}
	return ShardRouting{}, false
}

// ActiveReplica returns an active replica of a shard, if any.
func (rn *RoutingNodes) ActiveReplica(id ShardID) (ShardRouting, bool) {
	for _, s := range rn.Copies(id) {
		if !s.primary && s.Active() {
			return s, true
		}
	}
	return ShardRouting{}, false
}

// AssignedShards returns the copies of a shard that are on a node.
func (rn *RoutingNodes) AssignedShards(id ShardID) []ShardRouting {
	var out []ShardRouting
	for _, s := range rn.Copies(id) {
		if s.Assigned() {
			out = append(out, s)
		}
	}
	return out
}

// ShardsWithState returns every node-side view in any of the states, walking
// nodes in id order. Unassigned copies are listed when Unassigned is asked
// for.
func (rn *RoutingNodes) ShardsWithState(states ...ShardRoutingState) []ShardRouting {
	var out []ShardRouting
	for _, n := range rn.Nodes() {
		out = append(out, n.ShardsWithState(states...)...)
	}
	if slices.Contains(states, Unassigned) {
		out = append(out, rn.unassigned.Shards()...)
		out = append(out, rn.unassigned.Ignored()...)
	}
	return out
}

// Start moves an initializing copy to started, or completes a relocation.
func (rn *RoutingNodes) Start(k ShardKey) (ShardRouting, error) {
	s, ok := rn.arena[k]
	if !ok {
		return ShardRouting{}, errors.Wrapf(ErrShardNotFound, "%s", k)
	}
	switch s.state {
	case Initializing:
	case Relocating:
		if src, ok := rn.nodes[s.currentNodeID]; ok {
			src.remove(k)
		}
	default:
		return ShardRouting{}, errors.Wrapf(ErrIllegalState, "cannot start %s in state %s", k, s.state)
	}
	s.moveToStarted()
	return *s, nil
}

// Relocate starts moving a started copy to another node.
func (rn *RoutingNodes) Relocate(k ShardKey, nodeID string, expectedSize int64) (ShardRouting, error) {
	s, ok := rn.arena[k]
	if !ok {
		return ShardRouting{}, errors.Wrapf(ErrShardNotFound, "%s", k)
	}
	if s.state != Started {
		return ShardRouting{}, errors.Wrapf(ErrIllegalState, "cannot relocate %s in state %s", k, s.state)
	}
	target, ok := rn.nodes[nodeID]
	if !ok {
		return ShardRouting{}, errors.Errorf("cannot relocate %s to unknown node [%s]", k, nodeID)
	}
	if nodeID == s.currentNodeID {
		return ShardRouting{}, errors.Errorf("cannot relocate %s onto its own node [%s]", k, nodeID)
	}
	s.relocate(nodeID, expectedSize)
	target.add(k)
	return *s, nil
}

// MoveToUnassigned takes an assigned copy off its node without promoting
// replicas. It is used to cancel a recovery in favor of a better target.
func (rn *RoutingNodes) MoveToUnassigned(k ShardKey, info *UnassignedInfo) error {
	s, ok := rn.arena[k]
	if !ok {
		return errors.Wrapf(ErrShardNotFound, "%s", k)
	}
	if s.state == Unassigned {
		return errors.Wrapf(ErrIllegalState, "%s is already unassigned", k)
	}
	rn.unassign(s, info)
	return nil
}

// Fail fails the copy as seen from nodeID. Failing a relocation target
// cancels the relocation; failing an active primary also fails its
// initializing replicas and promotes an active replica.
func (rn *RoutingNodes) Fail(k ShardKey, nodeID string, info *UnassignedInfo) error {
	s, ok := rn.arena[k]
	if !ok {
		return errors.Wrapf(ErrShardNotFound, "%s", k)
	}
	switch {
	case s.state == Unassigned:
		return errors.Wrapf(ErrIllegalState, "%s is already unassigned", k)
	case s.state == Relocating && s.relocatingNodeID == nodeID:
		rn.nodes[nodeID].remove(k)
		s.cancelRelocation()
		return nil
	case s.currentNodeID != nodeID:
		return errors.Errorf("%s is not assigned to node [%s]", k, nodeID)
	}
	rn.fail(k, info)
	return nil
}

func (rn *RoutingNodes) fail(k ShardKey, info *UnassignedInfo) int {
	s := rn.arena[k]
	if !s.primary || !s.Active() {
		rn.unassign(s, info)
		return 1
	}
	count := 1
	for c := 0; c < rn.copies[k.ShardID]; c++ {
		other := rn.arena[ShardKey{ShardID: k.ShardID, Copy: c}]
		if other == s || other.primary || other.state != Initializing {
			continue
		}
		rn.unassign(other, NewUnassignedInfoAt(ReasonAllocationFailed, "primary failed while replica initializing",
			info.failure, info.millis, info.nanos))
		count++
	}
	rn.unassign(s, info)
	for c := 0; c < rn.copies[k.ShardID]; c++ {
		other := rn.arena[ShardKey{ShardID: k.ShardID, Copy: c}]
		if other != s && other.Active() {
			other.primary = true
			other.version++
			s.primary = false
			break
		}
	}
	return count
}

func (rn *RoutingNodes) unassign(s *ShardRouting, info *UnassignedInfo) {
	if n, ok := rn.nodes[s.currentNodeID]; ok {
		n.remove(s.key)
	}
	if s.relocatingNodeID != "" {
		if n, ok := rn.nodes[s.relocatingNodeID]; ok {
			n.remove(s.key)
		}
	}
	s.moveToUnassigned(info)
	rn.unassigned.add(s.key)
}

// viewOn renders the record as seen from nodeID.
func (rn *RoutingNodes) viewOn(k ShardKey, nodeID string) ShardRouting {
	s := rn.arena[k]
	if s.state == Relocating && s.relocatingNodeID == nodeID {
		return s.targetView()
	}
	return *s
}

// Clone returns a deep copy sharing no mutable state with rn.
func (rn *RoutingNodes) Clone() *RoutingNodes {
	c := &RoutingNodes{
		arena:  make(map[ShardKey]*ShardRouting, len(rn.arena)),
		copies: make(map[ShardID]int, len(rn.copies)),
		nodes:  make(map[string]*RoutingNode, len(rn.nodes)),
	}
	for k, s := range rn.arena {
		cp := *s
		cp.unassignedInfo = s.unassignedInfo.clone()
		c.arena[k] = &cp
	}
	for id, n := range rn.copies {
		c.copies[id] = n
	}
	for id, n := range rn.nodes {
		c.nodes[id] = &RoutingNode{nodeID: id, keys: slices.Clone(n.keys), table: c}
	}
	c.unassigned = &UnassignedShards{
		table:   c,
		keys:    slices.Clone(rn.unassigned.keys),
		ignored: slices.Clone(rn.unassigned.ignored),
	}
	return c
}

// Validate checks that nodes and the unassigned collection partition the
// arena consistently and that every shard has exactly one primary.
func (rn *RoutingNodes) Validate() error {
	seen := make(map[ShardKey]int, len(rn.arena))
	for _, k := range append(slices.Clone(rn.unassigned.keys), rn.unassigned.ignored...) {
		s, ok := rn.arena[k]
		if !ok {
			return errors.Errorf("unassigned list references unknown %s", k)
		}
		if s.state != Unassigned {
			return errors.Errorf("%s is listed unassigned but is %s", k, s.state)
		}
		seen[k]++
	}
	for id, n := range rn.nodes {
		for _, k := range n.keys {
			s, ok := rn.arena[k]
			if !ok {
				return errors.Errorf("node [%s] references unknown %s", id, k)
			}
			if s.currentNodeID != id && s.relocatingNodeID != id {
				return errors.Errorf("node [%s] holds %s which is on [%s]", id, k, s.currentNodeID)
			}
			seen[k]++
		}
	}
	primaries := make(map[ShardID]int)
	for k, s := range rn.arena {
		want := 1
		if s.state == Relocating {
			want = 2
		}
		if seen[k] != want {
			return errors.Errorf("%s (%s) is referenced %d times, expected %d", k, s.state, seen[k], want)
		}
		if s.state == Unassigned && s.unassignedInfo == nil {
			return errors.Errorf("%s is unassigned without unassigned info", k)
		}
		if s.Active() && s.unassignedInfo != nil {
			return errors.Errorf("%s is active but carries unassigned info", k)
		}
		if s.primary {
			primaries[k.ShardID]++
		}
	}
	for id := range rn.copies {
		if primaries[id] != 1 {
			return errors.Errorf("shard %s has %d primaries", id, primaries[id])
		}
	}
	return nil
}
