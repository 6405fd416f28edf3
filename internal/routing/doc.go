// Package routing holds the routing table: which copy of which shard lives
// on which node, and why the others are unassigned.
//
// # Arena
//
// Every shard copy is one ShardRouting record stored in an arena keyed by
// ShardKey (shard id plus a stable copy index). RoutingNode and the
// unassigned collection refer to copies by key only. A relocating copy is
// a single record listed on both its source and its target node; the target
// node renders it as an INITIALIZING view whose RelocatingNodeID points back
// at the source.
//
// # Mutation
//
// Records handed out by accessors are values. State changes go through
// RoutingNodes (Start, Relocate, Fail, MoveToUnassigned, RemoveNode) or the
// UnassignedIterator (Initialize, RemoveAndIgnore, UpdateUnassignedInfo),
// which keep the per-node lists and the unassigned list a partition of the
// arena. Validate checks that partition and the one-primary-per-shard rule.
//
// # Delays
//
// UnassignedInfo caches the remaining node-left delay computed by UpdateDelay.
// RefreshDelays recomputes it for the whole table once per reroute pass so
// every allocator in that pass sees the same value.
//
// RoutingNodes is not safe for concurrent use. The coordinator owns one
// instance and hands clones to dry runs.
package routing
