package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

func newAllocation(t *testing.T, deciders *Deciders, shards, replicas int, nodes ...cluster.DiscoveryNode) *RoutingAllocation {
	t.Helper()
	meta := routing.IndexMetadata{Name: "idx", NumberOfShards: shards, NumberOfReplicas: replicas}
	rn := routing.NewRoutingNodes()
	for _, n := range nodes {
		rn.AddNode(n.ID)
	}
	require.NoError(t, rn.AddIndex(meta, routing.NewUnassignedInfo(routing.ReasonIndexCreated, "")))
	return NewRoutingAllocation(deciders, rn, cluster.NewDiscoveryNodes(nodes...), routing.NewMetadata(meta),
		routing.DefaultClusterSettings(), NewClusterInfo(nil), routing.NanoTime())
}

// counting records how often it was consulted.
type counting struct {
	verdict decision.Type
	label   string
	calls   int
}

func (c *counting) CanAllocate(_ routing.ShardRouting, _ *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision {
	c.calls++
	return alloc.Decision(c.verdict, c.label, "verdict of %s", c.label)
}

func firstShard(a *RoutingAllocation) routing.ShardRouting {
	return a.RoutingNodes().Unassigned().Shards()[0]
}

func TestDecidersShortCircuitOnNo(t *testing.T) {
	yes := &counting{verdict: decision.Yes, label: "yes"}
	no := &counting{verdict: decision.No, label: "no"}
	after := &counting{verdict: decision.Yes, label: "after"}
	a := newAllocation(t, NewDeciders(yes, no, after), 1, 0, cluster.DiscoveryNode{ID: "n1"})
	node, _ := a.RoutingNodes().Node("n1")

	d := a.CanAllocate(firstShard(a), node)
	assert.Equal(t, decision.No, d.Type)
	assert.Equal(t, 1, yes.calls)
	assert.Equal(t, 1, no.calls)
	assert.Equal(t, 0, after.calls, "fold stops at the first NO")
}

func TestDecidersDebugCollectsEverything(t *testing.T) {
	yes := &counting{verdict: decision.Yes, label: "yes"}
	no := &counting{verdict: decision.No, label: "no"}
	throttle := &counting{verdict: decision.Throttle, label: "throttle"}
	a := newAllocation(t, NewDeciders(yes, no, throttle), 1, 0, cluster.DiscoveryNode{ID: "n1"})
	a.SetDebug(true)
	node, _ := a.RoutingNodes().Node("n1")

	d := a.CanAllocate(firstShard(a), node)
	assert.Equal(t, decision.No, d.Type)
	require.Len(t, d.Decisions, 3)
	assert.Equal(t, "yes", d.Decisions[0].Label)
	assert.Equal(t, "verdict of no", d.Decisions[1].Explanation)
	assert.Equal(t, 1, throttle.calls)
}

func TestDecidersThrottleBeatsYes(t *testing.T) {
	a := newAllocation(t, NewDeciders(
		&counting{verdict: decision.Yes},
		&counting{verdict: decision.Throttle},
	), 1, 0, cluster.DiscoveryNode{ID: "n1"})
	node, _ := a.RoutingNodes().Node("n1")
	assert.Equal(t, decision.Throttle, a.CanAllocate(firstShard(a), node).Type)
}

func TestEmptyChainSaysYes(t *testing.T) {
	a := newAllocation(t, nil, 1, 0, cluster.DiscoveryNode{ID: "n1"})
	node, _ := a.RoutingNodes().Node("n1")
	assert.Equal(t, decision.Yes, a.CanAllocate(firstShard(a), node).Type)
	assert.Equal(t, 0, a.Deciders().Len())
}

func TestIgnoreShardForNode(t *testing.T) {
	a := newAllocation(t, NewDeciders(), 1, 0, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	shard := firstShard(a)
	n1, _ := a.RoutingNodes().Node("n1")
	n2, _ := a.RoutingNodes().Node("n2")

	a.AddIgnoreShardForNode(shard.ShardID(), "n1")
	assert.True(t, a.ShouldIgnoreShardForNode(shard.ShardID(), "n1"))
	assert.False(t, a.ShouldIgnoreShardForNode(shard.ShardID(), "n2"))
	assert.Equal(t, decision.No, a.CanAllocate(shard, n1).Type)
	assert.Equal(t, decision.Yes, a.CanAllocate(shard, n2).Type)

	a.SetDebug(true)
	assert.Equal(t, IgnoredShardLabel, a.CanAllocate(shard, n1).Label)
}

func TestDecisionOutsideDebugIsUnlabeled(t *testing.T) {
	a := newAllocation(t, nil, 1, 0)
	d := a.Decision(decision.Throttle, "label", "explained")
	assert.Equal(t, decision.AlwaysThrottle, d)

	a.SetDebug(true)
	d = a.Decision(decision.Throttle, "label", "explained %d", 1)
	assert.Equal(t, "label", d.Label)
	assert.Equal(t, "explained 1", d.Explanation)
}

func TestPendingAsyncFetchFlag(t *testing.T) {
	a := newAllocation(t, nil, 1, 0)
	assert.False(t, a.HasPendingAsyncFetch())
	a.SetHasPendingAsyncFetch()
	assert.True(t, a.HasPendingAsyncFetch())
}

func TestDataNodesSkipsMasterOnly(t *testing.T) {
	a := newAllocation(t, nil, 1, 0,
		cluster.DiscoveryNode{ID: "m1", Roles: []cluster.Role{cluster.RoleMaster}},
		cluster.DiscoveryNode{ID: "n1"},
	)
	nodes := a.DataNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID())
}

func TestClusterInfoShardSize(t *testing.T) {
	id := routing.ShardID{Index: "idx", Shard: 0}
	info := NewClusterInfo(map[routing.ShardID]int64{id: 1024})
	assert.Equal(t, int64(1024), info.ShardSize(id, -1))
	assert.Equal(t, int64(-1), info.ShardSize(routing.ShardID{Index: "idx", Shard: 1}, -1))
	assert.Equal(t, int64(7), NewClusterInfo(nil).ShardSize(id, 7))
}

func TestRefreshDelays(t *testing.T) {
	meta := routing.IndexMetadata{
		Name: "idx", NumberOfShards: 1, NumberOfReplicas: 1,
		Settings: routing.IndexSettings{}.WithDelayedTimeout(time.Hour),
	}
	rn := routing.NewRoutingNodes()
	rn.AddNode("n1")
	rn.AddNode("n2")
	require.NoError(t, rn.AddIndex(meta, routing.NewUnassignedInfo(routing.ReasonIndexCreated, "")))
	it := rn.Unassigned().Iterator()
	for it.Next() {
		node := "n2"
		if it.Shard().Primary() {
			node = "n1"
		}
		_, err := it.Initialize(node, -1)
		require.NoError(t, err)
	}
	for _, id := range rn.ShardIDs() {
		for _, s := range rn.Copies(id) {
			_, err := rn.Start(s.Key())
			require.NoError(t, err)
		}
	}
	rn.RemoveNode("n2")
	left := rn.Unassigned().Shards()[0].UnassignedInfo().UnassignedTimeNanos()

	a := NewRoutingAllocation(nil, rn, cluster.NewDiscoveryNodes(cluster.DiscoveryNode{ID: "n1"}),
		routing.NewMetadata(meta), routing.DefaultClusterSettings(), NewClusterInfo(nil), left+int64(time.Minute))
	assert.Equal(t, 1, RefreshDelays(a))
	assert.Equal(t, int64(59*time.Minute), rn.Unassigned().Shards()[0].UnassignedInfo().LastComputedLeftDelayNanos())
}

func TestBalancedAllocatorPrefersLeastLoaded(t *testing.T) {
	a := newAllocation(t, nil, 3, 0, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	assert.True(t, NewBalancedAllocator(nil).Allocate(a))
	require.NoError(t, a.RoutingNodes().Validate())

	n1, _ := a.RoutingNodes().Node("n1")
	n2, _ := a.RoutingNodes().Node("n2")
	assert.Equal(t, 2, n1.Size(), "ties go to the lowest id")
	assert.Equal(t, 1, n2.Size())
	assert.Equal(t, 0, a.RoutingNodes().Unassigned().Len())
}

func TestBalancedAllocatorParksRejectedShards(t *testing.T) {
	no := DeciderFunc(func(shard routing.ShardRouting, node *routing.RoutingNode, alloc *RoutingAllocation) decision.Decision {
		if node.NodeID() == "n1" {
			return decision.AlwaysThrottle
		}
		return decision.AlwaysNo
	})
	a := newAllocation(t, NewDeciders(no), 1, 0, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	assert.False(t, NewBalancedAllocator(nil).Allocate(a))
	assert.Equal(t, 0, a.RoutingNodes().Unassigned().Len())
	assert.Equal(t, 1, a.RoutingNodes().Unassigned().IgnoredLen())
}
