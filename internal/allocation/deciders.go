package allocation

import (
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

// Decider rules on whether a shard copy may be placed on a node.
type Decider interface {
	CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(shard routing.ShardRouting, node *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision

func (f DeciderFunc) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision {
	return f(shard, node, alloc)
}

// IgnoredShardLabel labels the verdict given to excluded (shard, node) pairs.
const IgnoredShardLabel = "ignored_shard_for_node"

// Deciders is an ordered chain folded into one verdict. The first NO ends
// the fold unless the allocation is in debug mode.
type Deciders struct {
	chain []Decider
}

// NewDeciders returns a chain in evaluation order.
func NewDeciders(chain ...Decider) *Deciders {
	return &Deciders{chain: chain}
}

// Len is the number of deciders.
func (d *Deciders) Len() int { return len(d.chain) }

func (d *Deciders) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision {
	if alloc.ShouldIgnoreShardForNode(shard.ShardID(), node.NodeID()) {
		return alloc.Decision(decision.No, IgnoredShardLabel, "shard %s is ignored for node [%s] in this pass",
			shard.ShardID(), node.NodeID())
	}
	var multi decision.Multi
	for _, decider := range d.chain {
		v := decider.CanAllocate(shard, node, alloc)
		if v.Type == decision.No && !alloc.Debug() {
			return v
		}
		if alloc.Debug() || v.Type != decision.Yes {
			multi.Add(v)
		}
	}
	return multi.Decision()
}
