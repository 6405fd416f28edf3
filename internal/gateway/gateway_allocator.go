package gateway

import (
	"log/slog"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/routing"
)

// PrimaryAllocator places unassigned primaries. Primary recovery lives
// outside this package; the gateway only fixes its place in the pass.
type PrimaryAllocator interface {
	AllocateUnassigned(alloc *allocation.RoutingAllocation) bool
}

// NoopPrimaryAllocator leaves primaries to the balanced allocator.
type NoopPrimaryAllocator struct{}

func (NoopPrimaryAllocator) AllocateUnassigned(*allocation.RoutingAllocation) bool { return false }

// Clearer drops cached fetch state for a shard.
type Clearer interface {
	Clear(id routing.ShardID)
}

// GatewayAllocator runs the store-aware part of a reroute pass: primaries
// first, then replica recoveries already underway, then unassigned replicas.
type GatewayAllocator struct {
	primary PrimaryAllocator
	replica *ReplicaShardAllocator
	fetcher StoreFetcher
	logger  *slog.Logger
}

// NewGatewayAllocator wires a replica allocator over fetcher. A nil primary
// allocator is replaced by NoopPrimaryAllocator.
func NewGatewayAllocator(primary PrimaryAllocator, fetcher StoreFetcher, opts ...Option) *GatewayAllocator {
	if primary == nil {
		primary = NoopPrimaryAllocator{}
	}
	o := applyOptions(opts)
	return &GatewayAllocator{
		primary: primary,
		replica: NewReplicaShardAllocator(fetcher, opts...),
		fetcher: fetcher,
		logger:  o.logger.With("component", "gateway-allocator"),
	}
}

// Replica exposes the replica allocator.
func (g *GatewayAllocator) Replica() *ReplicaShardAllocator { return g.replica }

// AllocateUnassigned reports whether any step changed the routing table.
func (g *GatewayAllocator) AllocateUnassigned(alloc *allocation.RoutingAllocation) bool {
	changed := false
	alloc.RoutingNodes().Unassigned().SortPrimariesFirst()
	changed = g.primary.AllocateUnassigned(alloc) || changed
	changed = g.replica.ProcessExistingRecoveries(alloc) || changed
	changed = g.replica.AllocateUnassigned(alloc) || changed
	return changed
}

// ApplyStartedShard forgets the listings of a shard once a copy started.
func (g *GatewayAllocator) ApplyStartedShard(shard routing.ShardRouting) {
	g.clear(shard.ShardID())
}

// ApplyFailedShard forgets the listings of a shard once a copy failed.
func (g *GatewayAllocator) ApplyFailedShard(shard routing.ShardRouting) {
	g.clear(shard.ShardID())
}

func (g *GatewayAllocator) clear(id routing.ShardID) {
	if c, ok := g.fetcher.(Clearer); ok {
		c.Clear(id)
	}
}
