package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

// ReplicaShardAllocator places replica copies on nodes that already hold
// reusable data for them, and cancels recoveries that a sync-id match on
// another node makes pointless.
type ReplicaShardAllocator struct {
	fetcher StoreFetcher
	opts    options
	logger  *slog.Logger
}

// NewReplicaShardAllocator returns an allocator reading store listings
// through fetcher.
func NewReplicaShardAllocator(fetcher StoreFetcher, opts ...Option) *ReplicaShardAllocator {
	o := applyOptions(opts)
	return &ReplicaShardAllocator{
		fetcher: fetcher,
		opts:    o,
		logger:  o.logger.With("component", "replica-allocator"),
	}
}

// ProcessExistingRecoveries walks the initializing replicas and sends back
// to unassigned any recovery whose target is not a sync-id match while
// another node is. It reports whether the routing table changed.
func (r *ReplicaShardAllocator) ProcessExistingRecoveries(alloc *allocation.RoutingAllocation) bool {
	changed := false
	rn := alloc.RoutingNodes()
	for _, node := range rn.Nodes() {
		for _, shard := range node.Shards() {
			if shard.Primary() || !shard.Initializing() {
				continue
			}
			if shard.IsRelocationTarget() || shard.RelocatingNodeID() != "" {
				continue
			}
			// a replica of a fresh index has nothing to compare with
			if !shard.AllocatedPostIndexCreate() {
				continue
			}

			stores := r.fetcher.FetchData(shard, alloc)
			if !stores.HasData() {
				logging.Trace(r.logger, "fetching new stores for initializing shard", "shard", shard.String())
				continue
			}

			primaryStore, ok := r.findStore(shard, alloc, stores)
			if !ok {
				logging.Trace(r.logger, "no primary shard store found or allocated, letting recovery proceed",
					"shard", shard.String())
				continue
			}

			matching := FindMatchingNodes(primaryStore, stores.Data(), r.decider(shard, alloc))
			best, found := matching.NodeWithHighestMatch()
			if !found {
				continue
			}
			current := shard.CurrentNodeID()
			// the current node hosts the copy, so the matcher never weighs it
			currentSynced := matching.IsNodeMatchBySyncID(current) || syncIDMatches(primaryStore, stores.Data()[current].Store)
			if best != current && !currentSynced && matching.IsNodeMatchBySyncID(best) {
				info := routing.NewUnassignedInfoAt(routing.ReasonReallocatedReplica,
					fmt.Sprintf("existing allocation of replica to [%s] cancelled, sync id match found on node [%s]", current, best),
					nil, time.Now().UnixMilli(), alloc.NanoTime())
				if err := rn.MoveToUnassigned(shard.Key(), info); err != nil {
					r.invariant("cancel recovery", shard, err)
					continue
				}
				r.logger.Debug("cancelled replica recovery in favour of sync id match",
					"shard", shard.String(), "from", current, "to", best)
				changed = true
			}
		}
	}
	return changed
}

// AllocateUnassigned places unassigned replicas on the node holding the most
// reusable data. Replicas with no data anywhere are handed to
// IgnoreUnassignedIfDelayed. It reports whether the routing table changed.
func (r *ReplicaShardAllocator) AllocateUnassigned(alloc *allocation.RoutingAllocation) bool {
	changed := false
	it := alloc.RoutingNodes().Unassigned().Iterator()
	for it.Next() {
		shard := it.Shard()
		if shard.Primary() || !shard.AllocatedPostIndexCreate() {
			continue
		}

		if !r.canBeAllocatedToAtLeastOneNode(shard, alloc) {
			logging.Trace(r.logger, "ignoring allocation, can't be allocated on any node", "shard", shard.String())
			r.removeAndIgnore(it, shard)
			continue
		}

		stores := r.fetcher.FetchData(shard, alloc)
		if !stores.HasData() {
			logging.Trace(r.logger, "ignoring allocation, still fetching shard stores", "shard", shard.String())
			alloc.SetHasPendingAsyncFetch()
			r.removeAndIgnore(it, shard)
			continue
		}

		primaryStore, ok := r.findStore(shard, alloc, stores)
		if !ok {
			logging.Trace(r.logger, "no primary shard store found or allocated, letting actual allocation figure it out",
				"shard", shard.String())
			continue
		}

		matching := FindMatchingNodes(primaryStore, stores.Data(), r.decider(shard, alloc))
		if best, found := matching.NodeWithHighestMatch(); found {
			node, ok := alloc.RoutingNodes().Node(best)
			if !ok {
				r.removeAndIgnore(it, shard)
				continue
			}
			switch alloc.CanAllocate(shard, node).Type {
			case decision.Yes:
				size := alloc.ClusterInfo().ShardSize(shard.ShardID(), routing.UnavailableExpectedShardSize)
				if _, err := it.Initialize(best, size); err != nil {
					r.invariant("initialize", shard, err)
					continue
				}
				r.logger.Debug("allocating replica to reuse its unallocated persistent store",
					"shard", shard.String(), "node", best)
				changed = true
			default:
				// THROTTLE keeps the opportunity for a later pass. NO cannot
				// happen for a matched node but is treated the same way.
				r.logger.Debug("throttling replica allocation to reuse its unallocated persistent store",
					"shard", shard.String(), "node", best)
				r.removeAndIgnore(it, shard)
			}
		} else if !matching.HasAnyData() {
			if r.IgnoreUnassignedIfDelayed(it, shard) {
				changed = true
			}
		}
	}
	return changed
}

// IgnoreUnassignedIfDelayed parks the current copy for this pass when its
// cached node-left delay has not expired yet. The delay must have been
// refreshed earlier in the same pass. A true result tells the caller a
// delayed reroute has to be scheduled.
func (r *ReplicaShardAllocator) IgnoreUnassignedIfDelayed(it *routing.UnassignedIterator, shard routing.ShardRouting) bool {
	info := shard.UnassignedInfo()
	if info == nil {
		return false
	}
	delay := info.LastComputedLeftDelayNanos()
	if delay <= 0 {
		return false
	}
	r.logger.Debug("delaying allocation of replica", "shard", shard.String(), "delay", time.Duration(delay))
	r.removeAndIgnore(it, shard)
	return true
}

// canBeAllocatedToAtLeastOneNode probes every data node and stops at the
// first YES.
func (r *ReplicaShardAllocator) canBeAllocatedToAtLeastOneNode(shard routing.ShardRouting, alloc *allocation.RoutingAllocation) bool {
	for _, node := range alloc.DataNodes() {
		if alloc.CanAllocate(shard, node).Type == decision.Yes {
			return true
		}
	}
	return false
}

// findStore returns the listing of the active primary. The listing must
// exist and be marked allocated.
func (r *ReplicaShardAllocator) findStore(shard routing.ShardRouting, alloc *allocation.RoutingAllocation, stores FetchResult) (storage.StoreFilesMetaData, bool) {
	primary, ok := alloc.RoutingNodes().ActivePrimary(shard.ShardID())
	if !ok {
		r.invariant("find primary store", shard, routing.ErrShardNotFound)
		return storage.StoreFilesMetaData{}, false
	}
	if _, known := alloc.Nodes().Get(primary.CurrentNodeID()); !known {
		return storage.StoreFilesMetaData{}, false
	}
	entry, ok := stores.Data()[primary.CurrentNodeID()]
	if !ok || entry.Store == nil || !entry.Store.Allocated {
		return storage.StoreFilesMetaData{}, false
	}
	return *entry.Store, true
}

// decider adapts the decider chain to the matcher. Nodes missing from the
// routing table are refused.
func (r *ReplicaShardAllocator) decider(shard routing.ShardRouting, alloc *allocation.RoutingAllocation) func(string) decision.Decision {
	return func(nodeID string) decision.Decision {
		node, ok := alloc.RoutingNodes().Node(nodeID)
		if !ok {
			return decision.AlwaysNo
		}
		return alloc.CanAllocate(shard, node)
	}
}

func (r *ReplicaShardAllocator) removeAndIgnore(it *routing.UnassignedIterator, shard routing.ShardRouting) {
	if err := it.RemoveAndIgnore(); err != nil {
		r.invariant("remove and ignore", shard, err)
	}
}

// invariant panics in strict mode and otherwise logs and moves on.
func (r *ReplicaShardAllocator) invariant(op string, shard routing.ShardRouting, err error) {
	if r.opts.strict {
		panic(fmt.Sprintf("replica allocator: %s %s: %v", op, shard, err))
	}
	logging.Trace(r.logger, "deferring shard after broken invariant", "op", op, "shard", shard.String(), "error", err)
}
