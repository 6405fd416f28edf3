package allocation

import (
	"log/slog"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
)

// BalancedAllocator places the unassigned copies left over by the
// store-aware allocators. Each copy goes to the least loaded node whose
// verdict is YES; ties go to the lowest node id.
type BalancedAllocator struct {
	logger *slog.Logger
}

// NewBalancedAllocator returns an allocator logging to logger.
func NewBalancedAllocator(logger *slog.Logger) *BalancedAllocator {
	return &BalancedAllocator{logger: logging.OrDiscard(logger)}
}

// Allocate walks the unassigned copies once. Copies that no node accepts
// now are parked for the rest of the pass. It reports whether anything was
// initialized.
func (b *BalancedAllocator) Allocate(alloc *RoutingAllocation) bool {
	nodes := alloc.DataNodes()
	changed := false
	it := alloc.RoutingNodes().Unassigned().Iterator()
	for it.Next() {
		shard := it.Shard()
		slices.SortFunc(nodes, func(x, y *routing.RoutingNode) int {
			if x.Size() != y.Size() {
				return x.Size() - y.Size()
			}
			return strings.Compare(x.NodeID(), y.NodeID())
		})

		var target *routing.RoutingNode
		throttled := false
		for _, node := range nodes {
			switch alloc.CanAllocate(shard, node).Type {
			case decision.Yes:
				target = node
			case decision.Throttle:
				throttled = true
			}
			if target != nil {
				break
			}
		}

		if target == nil {
			logging.Trace(b.logger, "no node accepts shard in this pass",
				"shard", shard.ShardID().String(), "primary", shard.Primary(), "throttled", throttled)
			if err := it.RemoveAndIgnore(); err != nil {
				b.logger.Error("failed to park shard", "shard", shard.ShardID().String(), "error", err)
			}
			continue
		}

		size := alloc.ClusterInfo().ShardSize(shard.ShardID(), routing.UnavailableExpectedShardSize)
		if _, err := it.Initialize(target.NodeID(), size); err != nil {
			b.logger.Error("failed to initialize shard", "shard", shard.ShardID().String(), "node", target.NodeID(), "error", err)
			continue
		}
		b.logger.Debug("allocated shard",
			"shard", shard.ShardID().String(), "primary", shard.Primary(), "node", target.NodeID())
		changed = true
	}
	return changed
}
