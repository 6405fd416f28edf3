package deciders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

type fixture struct {
	rn    *routing.RoutingNodes
	alloc *allocation.RoutingAllocation
}

func newFixture(t *testing.T, shards, replicas int, nodes ...cluster.DiscoveryNode) *fixture {
	t.Helper()
	meta := routing.IndexMetadata{Name: "idx", NumberOfShards: shards, NumberOfReplicas: replicas}
	rn := routing.NewRoutingNodes()
	for _, n := range nodes {
		rn.AddNode(n.ID)
	}
	require.NoError(t, rn.AddIndex(meta, routing.NewUnassignedInfo(routing.ReasonIndexCreated, "")))
	alloc := allocation.NewRoutingAllocation(nil, rn, cluster.NewDiscoveryNodes(nodes...), routing.NewMetadata(meta),
		routing.DefaultClusterSettings(), allocation.NewClusterInfo(nil), routing.NanoTime())
	alloc.SetDebug(true)
	return &fixture{rn: rn, alloc: alloc}
}

func (f *fixture) node(id string) *routing.RoutingNode {
	n, _ := f.rn.Node(id)
	return n
}

// initialize places the first unassigned copy matching primary on node.
func (f *fixture) initialize(t *testing.T, primary bool, node string) routing.ShardRouting {
	t.Helper()
	it := f.rn.Unassigned().Iterator()
	for it.Next() {
		if it.Shard().Primary() == primary {
			s, err := it.Initialize(node, -1)
			require.NoError(t, err)
			return s
		}
	}
	t.Fatal("no matching unassigned shard")
	return routing.ShardRouting{}
}

func (f *fixture) unassigned(primary bool) routing.ShardRouting {
	s, _ := f.rn.Unassigned().Find(func(s routing.ShardRouting) bool { return s.Primary() == primary })
	return s
}

func TestSameShard(t *testing.T) {
	f := newFixture(t, 1, 1, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	f.initialize(t, true, "n1")
	replica := f.unassigned(false)

	d := SameShard{}.CanAllocate(replica, f.node("n1"), f.alloc)
	assert.Equal(t, decision.No, d.Type)
	assert.Equal(t, SameShardLabel, d.Label)
	assert.Equal(t, decision.Yes, SameShard{}.CanAllocate(replica, f.node("n2"), f.alloc).Type)
}

func TestReplicaAfterPrimaryActive(t *testing.T) {
	f := newFixture(t, 1, 1, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	d := ReplicaAfterPrimaryActive{}
	assert.Equal(t, decision.Yes, d.CanAllocate(f.unassigned(true), f.node("n1"), f.alloc).Type)

	primary := f.initialize(t, true, "n1")
	replica := f.unassigned(false)
	assert.Equal(t, decision.No, d.CanAllocate(replica, f.node("n2"), f.alloc).Type, "primary only initializing")

	_, err := f.rn.Start(primary.Key())
	require.NoError(t, err)
	assert.Equal(t, decision.Yes, d.CanAllocate(replica, f.node("n2"), f.alloc).Type)
}

func TestThrottling(t *testing.T) {
	tests := []struct {
		name       string
		limits     Throttling
		primaries  int
		wantOnNode decision.Type
	}{
		{"primaries below limit", Throttling{ConcurrentRecoveries: 1, InitialPrimaryRecoveries: 2}, 1, decision.Yes},
		{"primaries at limit", Throttling{ConcurrentRecoveries: 1, InitialPrimaryRecoveries: 2}, 2, decision.Throttle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, 0, cluster.DiscoveryNode{ID: "n1"})
			for i := 0; i < tt.primaries; i++ {
				f.initialize(t, true, "n1")
			}
			d := tt.limits.CanAllocate(f.unassigned(true), f.node("n1"), f.alloc)
			assert.Equal(t, tt.wantOnNode, d.Type)
			assert.Equal(t, ThrottlingLabel, d.Label)
		})
	}
}

func TestThrottlingReplicas(t *testing.T) {
	f := newFixture(t, 2, 1, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	p := f.initialize(t, true, "n1")
	_, err := f.rn.Start(p.Key())
	require.NoError(t, err)
	f.initialize(t, false, "n2")

	limits := Throttling{ConcurrentRecoveries: 1, InitialPrimaryRecoveries: 4}
	replica := f.unassigned(false)
	assert.Equal(t, decision.Throttle, limits.CanAllocate(replica, f.node("n2"), f.alloc).Type)
	assert.Equal(t, decision.Yes, limits.CanAllocate(replica, f.node("n1"), f.alloc).Type)
}

func TestNodeExclusion(t *testing.T) {
	f := newFixture(t, 1, 0,
		cluster.DiscoveryNode{ID: "n1", Name: "alpha"},
		cluster.DiscoveryNode{ID: "n2", Name: "beta"},
		cluster.DiscoveryNode{ID: "n3"},
	)
	excl := NewNodeExclusion("n1", "beta")
	shard := f.unassigned(true)
	assert.Equal(t, decision.No, excl.CanAllocate(shard, f.node("n1"), f.alloc).Type)
	assert.Equal(t, decision.No, excl.CanAllocate(shard, f.node("n2"), f.alloc).Type)
	assert.Equal(t, decision.Yes, excl.CanAllocate(shard, f.node("n3"), f.alloc).Type)
}

func TestDefaultChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludeNodes = []string{"n2"}
	chain := Default(cfg)
	assert.Equal(t, 4, chain.Len())

	f := newFixture(t, 1, 1, cluster.DiscoveryNode{ID: "n1"}, cluster.DiscoveryNode{ID: "n2"})
	d := chain.CanAllocate(f.unassigned(true), f.node("n2"), f.alloc)
	assert.Equal(t, decision.No, d.Type)
	require.Len(t, d.Decisions, 4, "debug mode keeps every verdict")
	assert.Equal(t, NodeExclusionLabel, d.Decisions[2].Label)

	assert.Equal(t, decision.Yes, chain.CanAllocate(f.unassigned(true), f.node("n1"), f.alloc).Type)
}
