// Package storage holds the shard store listings a data node reports to the
// coordinator, and the stores that keep them.
//
// # Overview
//
// A listing (StoreFilesMetaData) says which files of a shard copy a node has
// on disk, with the length and content fingerprint of each file, plus an
// optional sync id. The replica allocator compares listings against the
// primary's to find the node where a replica can recover the cheapest.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Data node HTTP API                │
//	│   GET/PUT/DELETE /store/{idx}/{n}   │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        Store interface              │
//	│  Get, Put, Delete, List, Stats      │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌──────────┐      ┌──────────┐
//	    │  Memory  │      │  Pebble  │
//	    │  Store   │      │  Store   │
//	    └──────────┘      └──────────┘
//
// # Implementations
//
// MemoryStore: In-memory listings with sync.RWMutex
//   - No persistence (data lost on restart)
//   - Returns deep copies, callers never alias stored state
//
// PebbleStore: Listings persisted in a pebble database
//   - One JSON value per shard under "shard/<index>/<n>"
//   - A catalog key tracks the stored shards; catalog and value are
//     written in one synced batch
//   - PebbleOptions.InMemory switches to a memory filesystem
//
// # File identity
//
// StoreFileMetaData.IsSame is the fingerprint predicate used for matching:
// two files are the same when both carry a checksum and length, checksum
// and hash are all equal. A file without a checksum never matches, so a
// listing from an older node degrades to "no reusable bytes" rather than
// a false match.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use.
package storage
