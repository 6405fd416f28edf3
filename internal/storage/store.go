package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/routing"
)

// ErrShardNotFound is returned when no listing is stored for a shard.
var ErrShardNotFound = errors.New("shard store not found")

// Store is a node-local catalog of shard store listings.
// All implementations must be safe for concurrent access.
type Store interface {
	// Get returns the listing of a shard.
	// Returns ErrShardNotFound if nothing is stored for it.
	Get(id routing.ShardID) (StoreFilesMetaData, error)

	// Put stores a listing, replacing any previous one for the shard.
	Put(meta StoreFilesMetaData) error

	// Delete removes a listing. Deleting a missing shard is not an error.
	Delete(id routing.ShardID) error

	// List returns the shards with a listing, ordered by index and number.
	List() ([]routing.ShardID, error)

	// Stats returns storage statistics
	Stats() (StoreStats, error)

	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Shards int   `json:"shards"` // Number of shard listings
	Files  int   `json:"files"`  // Number of files across listings
	Bytes  int64 `json:"bytes"`  // Total size of all files in bytes
}

func (s *StoreStats) add(m StoreFilesMetaData) {
	s.Shards++
	s.Files += len(m.Files)
	s.Bytes += m.TotalBytes()
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex                           // Protects concurrent access
	data map[routing.ShardID]StoreFilesMetaData // Listings by shard
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[routing.ShardID]StoreFilesMetaData),
	}
}

// Get returns a copy of the listing to prevent external modification
func (m *MemoryStore) Get(id routing.ShardID) (StoreFilesMetaData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, exists := m.data[id]
	if !exists {
		return StoreFilesMetaData{}, errors.Wrapf(ErrShardNotFound, "%s", id)
	}
	return meta.clone(), nil
}

// Put makes a copy of the listing to prevent external modification
func (m *MemoryStore) Put(meta StoreFilesMetaData) error {
	if meta.ShardID.Index == "" {
		return errors.New("listing has no index name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[meta.ShardID] = meta.clone()
	return nil
}

// Delete is idempotent
func (m *MemoryStore) Delete(id routing.ShardID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, id)
	return nil
}

func (m *MemoryStore) List() ([]routing.ShardID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]routing.ShardID, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sortShardIDs(ids)
	return ids, nil
}

func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats StoreStats
	for _, meta := range m.data {
		stats.add(meta)
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortShardIDs(ids []routing.ShardID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Index != ids[j].Index {
			return ids[i].Index < ids[j].Index
		}
		return ids[i].Shard < ids[j].Shard
	})
}
