package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

var shard0 = routing.ShardID{Index: "idx", Shard: 0}

func file(name string, length int64, checksum string) storage.StoreFileMetaData {
	return storage.StoreFileMetaData{Name: name, Length: length, Checksum: checksum, Hash: []byte(checksum)}
}

func listing(allocated bool, syncID string, files ...storage.StoreFileMetaData) *storage.StoreFilesMetaData {
	m := storage.NewStoreFilesMetaData(shard0, allocated, syncID, files...)
	return &m
}

func candidates(stores map[string]*storage.StoreFilesMetaData) map[string]NodeStoreFilesMetaData {
	out := make(map[string]NodeStoreFilesMetaData, len(stores))
	for id, s := range stores {
		out[id] = NodeStoreFilesMetaData{Node: cluster.DiscoveryNode{ID: id}, Store: s}
	}
	return out
}

func allowAll(string) decision.Decision { return decision.AlwaysYes }

func TestFindMatchingNodesWeights(t *testing.T) {
	primary := *listing(true, "S1", file("a", 100, "ca"), file("b", 50, "cb"))

	tests := []struct {
		name   string
		store  *storage.StoreFilesMetaData
		weight int64
	}{
		{"identical files", listing(false, "", file("a", 100, "ca"), file("b", 50, "cb")), 150},
		{"one file differs", listing(false, "", file("a", 100, "ca"), file("b", 50, "other")), 100},
		{"extra files ignored", listing(false, "", file("a", 100, "ca"), file("z", 999, "cz")), 100},
		{"no checksums", listing(false, "", storage.StoreFileMetaData{Name: "a", Length: 100}), 0},
		{"sync id wins", listing(false, "S1", file("q", 1, "cq")), SyncIDMatch},
		{"other sync id", listing(false, "S2", file("b", 50, "cb")), 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := FindMatchingNodes(primary, candidates(map[string]*storage.StoreFilesMetaData{"n2": tt.store}), allowAll)
			w, ok := m.Weight("n2")
			require.True(t, ok)
			assert.Equal(t, tt.weight, w)
			assert.True(t, m.HasAnyData())
			assert.Equal(t, tt.weight == SyncIDMatch, m.IsNodeMatchBySyncID("n2"))

			best, found := m.NodeWithHighestMatch()
			if tt.weight > 0 {
				assert.True(t, found)
				assert.Equal(t, "n2", best)
			} else {
				assert.False(t, found, "zero weight is never a match")
			}
		})
	}
}

func TestFindMatchingNodesSkips(t *testing.T) {
	primary := *listing(true, "S1", file("a", 100, "ca"))
	deny := func(nodeID string) decision.Decision {
		switch nodeID {
		case "denied":
			return decision.AlwaysNo
		case "throttled":
			return decision.AlwaysThrottle
		}
		return decision.AlwaysYes
	}

	m := FindMatchingNodes(primary, candidates(map[string]*storage.StoreFilesMetaData{
		"nil":       nil,
		"denied":    listing(false, "S1", file("a", 100, "ca")),
		"allocated": listing(true, "S1", file("a", 100, "ca")),
		"empty":     listing(false, "S1"),
		"throttled": listing(false, "", file("a", 100, "ca")),
	}), deny)

	for _, id := range []string{"nil", "denied", "allocated", "empty"} {
		_, ok := m.Weight(id)
		assert.False(t, ok, id)
	}
	best, found := m.NodeWithHighestMatch()
	require.True(t, found)
	assert.Equal(t, "throttled", best, "THROTTLE does not exclude a node")
}

func TestFindMatchingNodesAllocatedNeverSelected(t *testing.T) {
	primary := *listing(true, "S1", file("a", 100, "ca"))
	m := FindMatchingNodes(primary, candidates(map[string]*storage.StoreFilesMetaData{
		"n1": listing(true, "S1", file("a", 100, "ca")),
	}), allowAll)
	_, found := m.NodeWithHighestMatch()
	assert.False(t, found)
	assert.False(t, m.HasAnyData())
}

func TestFindMatchingNodesTieBreak(t *testing.T) {
	primary := *listing(true, "S1", file("a", 100, "ca"))
	m := FindMatchingNodes(primary, candidates(map[string]*storage.StoreFilesMetaData{
		"n4": listing(false, "S1", file("a", 100, "ca")),
		"n3": listing(false, "S1", file("a", 100, "ca")),
		"n9": listing(false, "", file("a", 100, "ca")),
	}), allowAll)

	for i := 0; i < 10; i++ {
		best, found := m.NodeWithHighestMatch()
		require.True(t, found)
		assert.Equal(t, "n3", best)
	}
	assert.True(t, m.IsNodeMatchBySyncID("n4"))
	assert.False(t, m.IsNodeMatchBySyncID("n9"))
}

func TestNewMatchingNodesEmpty(t *testing.T) {
	m := NewMatchingNodes(nil)
	_, found := m.NodeWithHighestMatch()
	assert.False(t, found)
	assert.False(t, m.HasAnyData())
	_, ok := m.Weight("n1")
	assert.False(t, ok)
}
