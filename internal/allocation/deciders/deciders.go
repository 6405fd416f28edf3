// Package deciders is the stock decider chain run by the coordinator.
package deciders

import (
	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

// Config tunes the stock chain.
type Config struct {
	// ConcurrentRecoveries caps replica and relocation recoveries per node.
	ConcurrentRecoveries int
	// InitialPrimaryRecoveries caps primaries initializing on one node.
	InitialPrimaryRecoveries int
	// ExcludeNodes lists node ids or names that must not receive shards.
	ExcludeNodes []string
}

// DefaultConfig returns the defaults used by the coordinator.
func DefaultConfig() Config {
	return Config{
		ConcurrentRecoveries:     2,
		InitialPrimaryRecoveries: 4,
	}
}

// Default builds the chain in evaluation order.
func Default(cfg Config) *allocation.Deciders {
	return allocation.NewDeciders(
		SameShard{},
		ReplicaAfterPrimaryActive{},
		NewNodeExclusion(cfg.ExcludeNodes...),
		Throttling{ConcurrentRecoveries: cfg.ConcurrentRecoveries, InitialPrimaryRecoveries: cfg.InitialPrimaryRecoveries},
	)
}

// SameShard forbids two copies of one shard on the same node.
type SameShard struct{}

const SameShardLabel = "same_shard"

func (SameShard) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *allocation.RoutingAllocation) decision.Decision {
	if _, ok := node.GetByShardID(shard.ShardID()); ok {
		return alloc.Decision(decision.No, SameShardLabel, "a copy of %s is already allocated on node [%s]",
			shard.ShardID(), node.NodeID())
	}
	return alloc.Decision(decision.Yes, SameShardLabel, "no copy of %s is on node [%s]", shard.ShardID(), node.NodeID())
}

// ReplicaAfterPrimaryActive holds replicas back until their primary is active.
type ReplicaAfterPrimaryActive struct{}

const ReplicaAfterPrimaryActiveLabel = "replica_after_primary_active"

func (ReplicaAfterPrimaryActive) CanAllocate(shard routing.ShardRouting, _ *routing.RoutingNode, alloc *allocation.RoutingAllocation) decision.Decision {
	if shard.Primary() {
		return alloc.Decision(decision.Yes, ReplicaAfterPrimaryActiveLabel, "shard is primary")
	}
	if _, ok := alloc.RoutingNodes().ActivePrimary(shard.ShardID()); !ok {
		return alloc.Decision(decision.No, ReplicaAfterPrimaryActiveLabel, "primary shard is not yet active")
	}
	return alloc.Decision(decision.Yes, ReplicaAfterPrimaryActiveLabel, "primary is already active")
}

// Throttling limits concurrent recoveries per node. Exceeding a limit yields
// THROTTLE, never NO.
type Throttling struct {
	ConcurrentRecoveries     int
	InitialPrimaryRecoveries int
}

const ThrottlingLabel = "throttling"

func (t Throttling) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *allocation.RoutingAllocation) decision.Decision {
	if shard.Primary() && !shard.AllocatedPostIndexCreate() {
		primaries := 0
		for _, s := range node.ShardsWithState(routing.Initializing) {
			if s.Primary() && !s.IsRelocationTarget() {
				primaries++
			}
		}
		if primaries >= t.InitialPrimaryRecoveries {
			return alloc.Decision(decision.Throttle, ThrottlingLabel, "too many primaries currently recovering [%d], limit: [%d]",
				primaries, t.InitialPrimaryRecoveries)
		}
		return alloc.Decision(decision.Yes, ThrottlingLabel, "below primary recovery limit of [%d]", t.InitialPrimaryRecoveries)
	}
	recoveries := node.NumberOfShardsWithState(routing.Initializing)
	if recoveries >= t.ConcurrentRecoveries {
		return alloc.Decision(decision.Throttle, ThrottlingLabel, "too many shards currently recovering [%d], limit: [%d]",
			recoveries, t.ConcurrentRecoveries)
	}
	return alloc.Decision(decision.Yes, ThrottlingLabel, "below shard recovery limit of [%d]", t.ConcurrentRecoveries)
}

// NodeExclusion keeps shards off nodes an operator has excluded by id or name.
type NodeExclusion struct {
	excluded map[string]struct{}
}

const NodeExclusionLabel = "filter"

// NewNodeExclusion excludes the given node ids or names.
func NewNodeExclusion(nodes ...string) NodeExclusion {
	n := NodeExclusion{excluded: make(map[string]struct{}, len(nodes))}
	for _, id := range nodes {
		n.excluded[id] = struct{}{}
	}
	return n
}

func (n NodeExclusion) CanAllocate(_ routing.ShardRouting, node *routing.RoutingNode, alloc *allocation.RoutingAllocation) decision.Decision {
	if _, ok := n.excluded[node.NodeID()]; ok {
		return alloc.Decision(decision.No, NodeExclusionLabel, "node [%s] is excluded", node.NodeID())
	}
	if dn, ok := alloc.Nodes().Get(node.NodeID()); ok && dn.Name != "" {
		if _, ok := n.excluded[dn.Name]; ok {
			return alloc.Decision(decision.No, NodeExclusionLabel, "node [%s] is excluded by name [%s]", node.NodeID(), dn.Name)
		}
	}
	return alloc.Decision(decision.Yes, NodeExclusionLabel, "node is not excluded")
}
