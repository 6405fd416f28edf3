package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/routing"
)

// catalogKey holds the JSON list of shard ids with a stored listing.
const catalogKey = "_catalog"

// PebbleOptions tunes a PebbleStore.
type PebbleOptions struct {
	// InMemory keeps the database in a memory filesystem. Used by tests
	// and by nodes started without a data directory.
	InMemory bool
}

// PebbleStore persists shard listings in a pebble database. Each listing is
// one JSON value under "shard/<index>/<n>"; a catalog key lists the stored
// shards so listing does not need an iterator.
type PebbleStore struct {
	mu sync.Mutex // serializes catalog read-modify-write
	db *pebble.DB
}

// OpenPebbleStore opens or creates a store at path.
func OpenPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	dbOpts := &pebble.Options{}
	if opts.InMemory {
		dbOpts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, dbOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble db at %s", path)
	}
	return &PebbleStore{db: db}, nil
}

func shardKey(id routing.ShardID) []byte {
	return []byte(fmt.Sprintf("shard/%s/%d", id.Index, id.Shard))
}

func (p *PebbleStore) get(key []byte, into interface{}) (bool, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(value, into); err != nil {
		return false, errors.Wrapf(err, "corrupt value under %q", key)
	}
	return true, nil
}

func (p *PebbleStore) catalog() ([]routing.ShardID, error) {
	var ids []routing.ShardID
	if _, err := p.get([]byte(catalogKey), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *PebbleStore) Get(id routing.ShardID) (StoreFilesMetaData, error) {
	var meta StoreFilesMetaData
	found, err := p.get(shardKey(id), &meta)
	if err != nil {
		return StoreFilesMetaData{}, err
	}
	if !found {
		return StoreFilesMetaData{}, errors.Wrapf(ErrShardNotFound, "%s", id)
	}
	if meta.Files == nil {
		meta.Files = map[string]StoreFileMetaData{}
	}
	return meta, nil
}

func (p *PebbleStore) Put(meta StoreFilesMetaData) error {
	if meta.ShardID.Index == "" {
		return errors.New("listing has no index name")
	}
	value, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.catalog()
	if err != nil {
		return err
	}
	known := false
	for _, id := range ids {
		if id == meta.ShardID {
			known = true
			break
		}
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(shardKey(meta.ShardID), value, nil); err != nil {
		return err
	}
	if !known {
		ids = append(ids, meta.ShardID)
		sortShardIDs(ids)
		cat, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(catalogKey), cat, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Delete(id routing.ShardID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.catalog()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, known := range ids {
		if known != id {
			kept = append(kept, known)
		}
	}
	cat, err := json.Marshal(kept)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(shardKey(id), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(catalogKey), cat, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) List() ([]routing.ShardID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.catalog()
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []routing.ShardID{}
	}
	return ids, nil
}

func (p *PebbleStore) Stats() (StoreStats, error) {
	ids, err := p.List()
	if err != nil {
		return StoreStats{}, err
	}
	var stats StoreStats
	for _, id := range ids {
		meta, err := p.Get(id)
		if errors.Is(err, ErrShardNotFound) {
			continue
		}
		if err != nil {
			return StoreStats{}, err
		}
		stats.add(meta)
	}
	return stats, nil
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
