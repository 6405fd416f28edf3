package storage

import (
	"sort"

	"github.com/dreamware/torua/internal/routing"
)

// StoreFileMetaData describes one file of a shard copy on disk.
type StoreFileMetaData struct {
	Name     string `json:"name"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
	Hash     []byte `json:"hash,omitempty"`
}

// IsSame reports whether two files have the same content fingerprint. Files
// without a checksum never match.
func (f StoreFileMetaData) IsSame(other StoreFileMetaData) bool {
	if f.Checksum == "" || other.Checksum == "" {
		return false
	}
	return f.Length == other.Length &&
		f.Checksum == other.Checksum &&
		string(f.Hash) == string(other.Hash)
}

// StoreFilesMetaData is the listing of one shard copy held by a node.
// Allocated is set when the node currently hosts a copy of the shard.
type StoreFilesMetaData struct {
	ShardID   routing.ShardID              `json:"shard_id"`
	Allocated bool                         `json:"allocated"`
	SyncID    string                       `json:"sync_id,omitempty"`
	Files     map[string]StoreFileMetaData `json:"files"`
}

// NewStoreFilesMetaData builds a listing from files.
func NewStoreFilesMetaData(id routing.ShardID, allocated bool, syncID string, files ...StoreFileMetaData) StoreFilesMetaData {
	m := StoreFilesMetaData{
		ShardID:   id,
		Allocated: allocated,
		SyncID:    syncID,
		Files:     make(map[string]StoreFileMetaData, len(files)),
	}
	for _, f := range files {
		m.Files[f.Name] = f
	}
	return m
}

// FileExists reports whether the listing has a file by that name.
func (m StoreFilesMetaData) FileExists(name string) bool {
	_, ok := m.Files[name]
	return ok
}

// File returns a file of the listing.
func (m StoreFilesMetaData) File(name string) (StoreFileMetaData, bool) {
	f, ok := m.Files[name]
	return f, ok
}

// Empty reports whether the listing has no files.
func (m StoreFilesMetaData) Empty() bool { return len(m.Files) == 0 }

// SortedFiles returns the files ordered by name.
func (m StoreFilesMetaData) SortedFiles() []StoreFileMetaData {
	out := make([]StoreFileMetaData, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TotalBytes sums the length of every file.
func (m StoreFilesMetaData) TotalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// clone deep-copies the listing so callers cannot alias stored state.
func (m StoreFilesMetaData) clone() StoreFilesMetaData {
	c := m
	c.Files = make(map[string]StoreFileMetaData, len(m.Files))
	for name, f := range m.Files {
		f.Hash = append([]byte(nil), f.Hash...)
		c.Files[name] = f
	}
	return c
}
