package coordinator

import (
	"time"

	"github.com/dreamware/torua/internal/allocation/deciders"
	"github.com/dreamware/torua/internal/routing"
)

// Config tunes the allocation service.
//
// Zero values are not meaningful; start from DefaultConfig and override
// what the deployment needs.
type Config struct {
	// Cluster holds the cluster-wide defaults index settings fall back to.
	Cluster routing.ClusterSettings

	// Deciders configures the stock decider chain.
	Deciders deciders.Config

	// FetchTimeout bounds a single store listing request to a node.
	FetchTimeout time.Duration

	// FetchCacheSize bounds the number of shards with cached listings.
	FetchCacheSize int

	// FetchRerouteDelay is how long after a listing arrives the follow-up
	// reroute runs. Listings arriving together share one reroute.
	FetchRerouteDelay time.Duration

	// StrictInvariants panics on broken allocator invariants instead of
	// deferring the shard. Meant for tests.
	StrictInvariants bool
}

// DefaultConfig returns the configuration used by the coordinator binary.
func DefaultConfig() Config {
	return Config{
		Cluster:           routing.DefaultClusterSettings(),
		Deciders:          deciders.DefaultConfig(),
		FetchTimeout:      5 * time.Second,
		FetchCacheSize:    4096,
		FetchRerouteDelay: 100 * time.Millisecond,
	}
}
