// Package gateway allocates replica copies where reusable data already
// lives.
//
// A reroute pass asks the StoreFetcher for every node's listing of a shard.
// The fetcher never blocks; until all nodes answered it returns a pending
// result and the shard is skipped for the pass. Once the listings are in,
// FindMatchingNodes weighs each candidate against the active primary's
// listing, either by sync id or by the bytes of identical files, and the
// ReplicaShardAllocator initializes the replica on the heaviest node the
// deciders accept.
//
// Replicas whose data is nowhere to be found after their node left are
// held back until the node-left delay runs out, so a node that restarts
// quickly gets its copies back instead of a full recovery elsewhere.
package gateway
