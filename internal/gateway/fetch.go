package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

// NodeStoreFilesMetaData is one node's answer for a shard. A nil Store means
// the node has no data for it.
type NodeStoreFilesMetaData struct {
	Node  cluster.DiscoveryNode
	Store *storage.StoreFilesMetaData
}

// FetchResult is either pending or ready. A ready result with no entries
// means every node answered and none had data.
type FetchResult struct {
	ready bool
	data  map[string]NodeStoreFilesMetaData
}

// Pending is the result while some node has not answered yet.
func Pending() FetchResult {
	return FetchResult{}
}

// Ready wraps the answers keyed by node id.
func Ready(data map[string]NodeStoreFilesMetaData) FetchResult {
	if data == nil {
		data = map[string]NodeStoreFilesMetaData{}
	}
	return FetchResult{ready: true, data: data}
}

// HasData reports whether the fetch finished.
func (r FetchResult) HasData() bool { return r.ready }

// Data returns the answers. It is nil while pending.
func (r FetchResult) Data() map[string]NodeStoreFilesMetaData { return r.data }

// StoreFetcher returns store listings for a shard without blocking.
type StoreFetcher interface {
	FetchData(shard routing.ShardRouting, alloc *allocation.RoutingAllocation) FetchResult
}

// Lister asks one node for its listing of a shard. A nil listing with a nil
// error means the node has no data.
type Lister interface {
	ListStore(ctx context.Context, node cluster.DiscoveryNode, id routing.ShardID) (*storage.StoreFilesMetaData, error)
}

// LocalLister serves listings from stores registered per node id. It backs
// in-process clusters and tests.
type LocalLister struct {
	stores *xsync.MapOf[string, storage.Store]
}

// NewLocalLister returns a lister with no stores.
func NewLocalLister() *LocalLister {
	return &LocalLister{stores: xsync.NewMapOf[string, storage.Store]()}
}

// Register attaches a store to a node id.
func (l *LocalLister) Register(nodeID string, store storage.Store) {
	l.stores.Store(nodeID, store)
}

// Unregister detaches the store of a node id.
func (l *LocalLister) Unregister(nodeID string) {
	l.stores.Delete(nodeID)
}

func (l *LocalLister) ListStore(ctx context.Context, node cluster.DiscoveryNode, id routing.ShardID) (*storage.StoreFilesMetaData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, ok := l.stores.Load(node.ID)
	if !ok {
		return nil, errors.Errorf("no store registered for node [%s]", node.ID)
	}
	meta, err := store.Get(id)
	if errors.Is(err, storage.ErrShardNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// HTTPLister asks nodes over their /store endpoint.
type HTTPLister struct{}

// StorePath is the node endpoint serving the listing of one shard.
func StorePath(id routing.ShardID) string {
	return fmt.Sprintf("/store/%s/%d", url.PathEscape(id.Index), id.Shard)
}

func (HTTPLister) ListStore(ctx context.Context, node cluster.DiscoveryNode, id routing.ShardID) (*storage.StoreFilesMetaData, error) {
	var meta storage.StoreFilesMetaData
	err := cluster.GetJSON(ctx, node.Addr+StorePath(id), &meta)
	if errors.Is(err, cluster.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list store of %s on %s", id, node)
	}
	return &meta, nil
}
