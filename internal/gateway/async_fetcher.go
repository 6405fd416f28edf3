package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

// nodeEntry is the fetch state of one (shard, node) pair.
type nodeEntry struct {
	mu       sync.Mutex
	node     cluster.DiscoveryNode
	fetching bool
	done     bool
	value    *storage.StoreFilesMetaData
	failure  error
}

// shardFetch holds the per-node entries of one shard.
type shardFetch struct {
	entries *xsync.MapOf[string, *nodeEntry]
}

// AsyncStoreFetcher collects store listings in the background. FetchData
// never blocks: the first call for a shard starts one request per data node
// and returns Pending until every node has answered.
type AsyncStoreFetcher struct {
	lister Lister
	opts   options
	logger *slog.Logger

	mu     sync.Mutex // serializes get-or-create of shard state
	shards *lru.Cache[routing.ShardID, *shardFetch]
	wg     sync.WaitGroup
}

// NewAsyncStoreFetcher returns a fetcher asking nodes through lister.
func NewAsyncStoreFetcher(lister Lister, opts ...Option) (*AsyncStoreFetcher, error) {
	o := applyOptions(opts)
	cache, err := lru.New[routing.ShardID, *shardFetch](o.cacheSize)
	if err != nil {
		return nil, err
	}
	return &AsyncStoreFetcher{
		lister: lister,
		opts:   o,
		logger: o.logger.With("component", "store-fetcher"),
		shards: cache,
	}, nil
}

func (f *AsyncStoreFetcher) shard(id routing.ShardID) *shardFetch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sf, ok := f.shards.Get(id); ok {
		return sf
	}
	sf := &shardFetch{entries: xsync.NewMapOf[string, *nodeEntry]()}
	f.shards.Add(id, sf)
	return sf
}

// FetchData implements StoreFetcher. A call that sends a request always
// returns Pending. Nodes whose request failed are left out of the result,
// excluded for the rest of the pass and asked again on the next call.
// Allocated is forced on for nodes that hold a copy of the shard in the
// routing table.
func (f *AsyncStoreFetcher) FetchData(shard routing.ShardRouting, alloc *allocation.RoutingAllocation) FetchResult {
	id := shard.ShardID()
	sf := f.shard(id)

	dataNodes := alloc.Nodes().DataNodes()
	live := make(map[string]struct{}, len(dataNodes))
	for _, n := range dataNodes {
		live[n.ID] = struct{}{}
	}
	sf.entries.Range(func(nodeID string, _ *nodeEntry) bool {
		if _, ok := live[nodeID]; !ok {
			sf.entries.Delete(nodeID)
		}
		return true
	})

	started := false
	for _, n := range dataNodes {
		entry, _ := sf.entries.LoadOrStore(n.ID, &nodeEntry{node: n})
		entry.mu.Lock()
		if !entry.fetching && !entry.done && entry.failure == nil {
			entry.fetching = true
			started = true
			f.wg.Add(1)
			go f.fetch(id, entry)
		}
		entry.mu.Unlock()
	}

	pending := false
	var failed []string
	data := make(map[string]NodeStoreFilesMetaData)
	sf.entries.Range(func(nodeID string, entry *nodeEntry) bool {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		switch {
		case entry.fetching:
			pending = true
		case entry.failure != nil:
			failed = append(failed, nodeID)
		case entry.done:
			data[nodeID] = NodeStoreFilesMetaData{Node: entry.node, Store: f.overlay(alloc, nodeID, entry.value)}
		}
		return true
	})

	if pending || started {
		logging.Trace(f.logger, "store listing still in flight", "shard", id.String())
		return Pending()
	}
	for _, nodeID := range failed {
		sf.entries.Delete(nodeID)
		alloc.AddIgnoreShardForNode(id, nodeID)
	}
	if len(failed) > 0 && f.opts.onFetched != nil {
		f.opts.onFetched(id)
	}
	return Ready(data)
}

// overlay copies the listing and marks it allocated when the node holds a
// copy of the shard.
func (f *AsyncStoreFetcher) overlay(alloc *allocation.RoutingAllocation, nodeID string, value *storage.StoreFilesMetaData) *storage.StoreFilesMetaData {
	if value == nil {
		return nil
	}
	c := *value
	if node, ok := alloc.RoutingNodes().Node(nodeID); ok {
		if _, hosts := node.GetByShardID(value.ShardID); hosts {
			c.Allocated = true
		}
	}
	return &c
}

func (f *AsyncStoreFetcher) fetch(id routing.ShardID, entry *nodeEntry) {
	defer f.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.fetchTimeout)
	defer cancel()

	entry.mu.Lock()
	node := entry.node
	entry.mu.Unlock()

	start := time.Now()
	value, err := f.lister.ListStore(ctx, node, id)

	entry.mu.Lock()
	entry.fetching = false
	if err != nil {
		entry.failure = err
	} else {
		entry.done = true
		entry.value = value
	}
	entry.mu.Unlock()

	if err != nil {
		f.logger.Warn("failed to list shard store", "shard", id.String(), "node", node.ID, "error", err)
	} else {
		logging.Trace(f.logger, "listed shard store", "shard", id.String(), "node", node.ID,
			"has_data", value != nil, "took", time.Since(start))
	}
	if f.opts.onFetched != nil {
		f.opts.onFetched(id)
	}
}

// Clear drops the cached listings of a shard. The coordinator calls it when
// a copy starts or fails so the next pass sees fresh data.
func (f *AsyncStoreFetcher) Clear(id routing.ShardID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards.Remove(id)
}

// Len is the number of shards with cached fetch state.
func (f *AsyncStoreFetcher) Len() int {
	return f.shards.Len()
}

// Wait blocks until every request in flight has finished.
func (f *AsyncStoreFetcher) Wait() {
	f.wg.Wait()
}
