package routing

import "time"

// NumberOfDelayedUnassigned counts unassigned copies, parked ones included,
// whose last computed delay has not expired.
func NumberOfDelayedUnassigned(rn *RoutingNodes) int {
	count := 0
	for _, s := range allUnassigned(rn) {
		if s.unassignedInfo != nil && s.unassignedInfo.LastComputedLeftDelayNanos() > 0 {
			count++
		}
	}
	return count
}

// FindSmallestDelayedAllocationSetting returns the smallest configured delay
// among NODE_LEFT copies, or 0 when no copy is subject to a delay.
func FindSmallestDelayedAllocationSetting(meta *Metadata, cluster ClusterSettings, rn *RoutingNodes) time.Duration {
	var smallest time.Duration
	for _, s := range allUnassigned(rn) {
		if s.unassignedInfo == nil || s.unassignedInfo.Reason() != ReasonNodeLeft {
			continue
		}
		d := meta.Settings(s.Index()).DelayedTimeout(cluster)
		if d > 0 && (smallest == 0 || d < smallest) {
			smallest = d
		}
	}
	return smallest
}

// FindNextDelayedAllocationIn returns the smallest cached positive delay, or
// 0 when nothing is waiting.
func FindNextDelayedAllocationIn(rn *RoutingNodes) time.Duration {
	var next int64
	for _, s := range allUnassigned(rn) {
		if s.unassignedInfo == nil {
			continue
		}
		d := s.unassignedInfo.LastComputedLeftDelayNanos()
		if d > 0 && (next == 0 || d < next) {
			next = d
		}
	}
	return time.Duration(next)
}

// RefreshDelays recomputes the cached delay of every unassigned copy at
// nanoTime and returns how many are still delayed.
func RefreshDelays(rn *RoutingNodes, meta *Metadata, cluster ClusterSettings, nanoTime int64) int {
	delayed := 0
	for _, keys := range [][]ShardKey{rn.unassigned.keys, rn.unassigned.ignored} {
		for _, k := range keys {
			s := rn.arena[k]
			if s.unassignedInfo == nil {
				continue
			}
			if s.unassignedInfo.UpdateDelay(nanoTime, meta.Settings(k.Index), cluster) > 0 {
				delayed++
			}
		}
	}
	return delayed
}

func allUnassigned(rn *RoutingNodes) []ShardRouting {
	return append(rn.unassigned.Shards(), rn.unassigned.Ignored()...)
}
