// Package cluster provides cluster membership types and the small HTTP/JSON
// helpers the coordinator and data nodes use to talk to each other.
//
// # Membership
//
// DiscoveryNode describes one member: its id, optional display name, HTTP
// address and roles. A node that advertises no roles is treated as a data
// node, so a plain registration is enough to make a node eligible to host
// shards. DiscoveryNodes is the id-keyed set the coordinator publishes to the
// allocators; iteration helpers return nodes ordered by id so that allocation
// passes are reproducible.
//
// Resolve accepts either an id or a node name, which is what operators type
// into manual allocation commands. An unknown name is a hard error.
//
// # Communication
//
//	coordinator ──POST /register──▶ (node joins)
//	coordinator ◀──GET /store/{index}/{shard}── (store listing, served by node)
//
// PostJSON, PutJSON and GetJSON share one client with a 5 second timeout.
// GetJSON maps a 404 onto ErrNotFound so callers can tell "nothing stored"
// apart from transport failures.
//
// # Concurrency
//
// DiscoveryNodes is not synchronized. The coordinator mutates it only while
// holding its state lock and hands clones to anything running outside it.
package cluster
