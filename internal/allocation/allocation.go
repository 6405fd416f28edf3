// Package allocation is the per-pass allocation context and the decider
// chain every allocator consults before placing a shard copy.
package allocation

import (
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

// ClusterInfo carries shard size hints gathered from the nodes.
type ClusterInfo struct {
	shardSizes map[routing.ShardID]int64
}

// NewClusterInfo wraps a size table. A nil table is valid.
func NewClusterInfo(sizes map[routing.ShardID]int64) ClusterInfo {
	return ClusterInfo{shardSizes: sizes}
}

// ShardSize returns the known size of a shard, or def.
func (c ClusterInfo) ShardSize(id routing.ShardID, def int64) int64 {
	if size, ok := c.shardSizes[id]; ok {
		return size
	}
	return def
}

// RoutingAllocation is the mutable context of one reroute pass. It is used
// by exactly one goroutine.
type RoutingAllocation struct {
	deciders     *Deciders
	routingNodes *routing.RoutingNodes
	nodes        *cluster.DiscoveryNodes
	metadata     *routing.Metadata
	settings     routing.ClusterSettings
	clusterInfo  ClusterInfo
	nanoTime     int64

	debug                bool
	ignored              map[routing.ShardID]map[string]struct{}
	hasPendingAsyncFetch bool
}

// NewRoutingAllocation builds the context for one pass at nanoTime.
func NewRoutingAllocation(
	deciders *Deciders,
	routingNodes *routing.RoutingNodes,
	nodes *cluster.DiscoveryNodes,
	metadata *routing.Metadata,
	settings routing.ClusterSettings,
	clusterInfo ClusterInfo,
	nanoTime int64,
) *RoutingAllocation {
	if deciders == nil {
		deciders = NewDeciders()
	}
	return &RoutingAllocation{
		deciders:     deciders,
		routingNodes: routingNodes,
		nodes:        nodes,
		metadata:     metadata,
		settings:     settings,
		clusterInfo:  clusterInfo,
		nanoTime:     nanoTime,
		ignored:      make(map[routing.ShardID]map[string]struct{}),
	}
}

func (a *RoutingAllocation) Deciders() *Deciders                      { return a.deciders }
func (a *RoutingAllocation) RoutingNodes() *routing.RoutingNodes      { return a.routingNodes }
func (a *RoutingAllocation) Nodes() *cluster.DiscoveryNodes           { return a.nodes }
func (a *RoutingAllocation) Metadata() *routing.Metadata              { return a.metadata }
func (a *RoutingAllocation) ClusterSettings() routing.ClusterSettings { return a.settings }
func (a *RoutingAllocation) ClusterInfo() ClusterInfo                 { return a.clusterInfo }

// NanoTime is the monotonic time the pass started at.
func (a *RoutingAllocation) NanoTime() int64 { return a.nanoTime }

// Debug reports whether verdicts carry labels and explanations.
func (a *RoutingAllocation) Debug() bool { return a.debug }

// SetDebug turns explanation collection on or off.
func (a *RoutingAllocation) SetDebug(debug bool) { a.debug = debug }

// Decision builds a verdict. Outside debug mode the label and explanation
// are dropped.
func (a *RoutingAllocation) Decision(t decision.Type, label, format string, args ...interface{}) decision.Decision {
	if !a.debug {
		switch t {
		case decision.No:
			return decision.AlwaysNo
		case decision.Throttle:
			return decision.AlwaysThrottle
		default:
			return decision.AlwaysYes
		}
	}
	return decision.Single(t, label, format, args...)
}

// CanAllocate runs the decider chain for one (shard, node) pair.
func (a *RoutingAllocation) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode) decision.Decision {
	return a.deciders.CanAllocate(shard, node, a)
}

// AddIgnoreShardForNode excludes a node for a shard for the rest of the pass.
func (a *RoutingAllocation) AddIgnoreShardForNode(id routing.ShardID, nodeID string) {
	nodes, ok := a.ignored[id]
	if !ok {
		nodes = make(map[string]struct{})
		a.ignored[id] = nodes
	}
	nodes[nodeID] = struct{}{}
}

// ShouldIgnoreShardForNode reports whether the pair was excluded.
func (a *RoutingAllocation) ShouldIgnoreShardForNode(id routing.ShardID, nodeID string) bool {
	_, ok := a.ignored[id][nodeID]
	return ok
}

// SetHasPendingAsyncFetch records that some shard waits on store data.
func (a *RoutingAllocation) SetHasPendingAsyncFetch() { a.hasPendingAsyncFetch = true }

// HasPendingAsyncFetch reports whether a store fetch is still outstanding.
func (a *RoutingAllocation) HasPendingAsyncFetch() bool { return a.hasPendingAsyncFetch }

// RefreshDelays recomputes the cached node-left delay of every unassigned
// copy at the time of the pass and returns how many are still delayed.
func RefreshDelays(a *RoutingAllocation) int {
	return routing.RefreshDelays(a.routingNodes, a.metadata, a.settings, a.nanoTime)
}

// DataNodes returns the routing nodes backed by a data-capable member,
// ordered by id.
func (a *RoutingAllocation) DataNodes() []*routing.RoutingNode {
	var out []*routing.RoutingNode
	for _, rn := range a.routingNodes.Nodes() {
		if n, ok := a.nodes.Get(rn.NodeID()); ok && n.IsDataNode() {
			out = append(out, rn)
		}
	}
	return out
}
