package gateway

import (
	"math"
	"sort"

	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/storage"
)

// SyncIDMatch is the weight of a node whose sync id equals the primary's.
const SyncIDMatch int64 = math.MaxInt64

// MatchingNodes is the outcome of comparing candidate listings with the
// primary's. Every node that was considered has a weight, possibly zero.
type MatchingNodes struct {
	weights    map[string]int64
	best       string
	bestWeight int64
}

// NewMatchingNodes picks the node with the highest positive weight. Equal
// weights go to the lowest node id.
func NewMatchingNodes(weights map[string]int64) MatchingNodes {
	m := MatchingNodes{weights: weights}
	if m.weights == nil {
		m.weights = map[string]int64{}
	}
	ids := make([]string, 0, len(m.weights))
	for id := range m.weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if w := m.weights[id]; w > m.bestWeight {
			m.best, m.bestWeight = id, w
		}
	}
	return m
}

// NodeWithHighestMatch returns the best node, if any has a positive weight.
func (m MatchingNodes) NodeWithHighestMatch() (string, bool) {
	return m.best, m.best != ""
}

// Weight returns the weight of a node and whether it was considered.
func (m MatchingNodes) Weight(nodeID string) (int64, bool) {
	w, ok := m.weights[nodeID]
	return w, ok
}

// IsNodeMatchBySyncID reports whether the node matched on sync id.
func (m MatchingNodes) IsNodeMatchBySyncID(nodeID string) bool {
	return m.weights[nodeID] == SyncIDMatch
}

// HasAnyData reports whether any candidate had data at all, matching or not.
func (m MatchingNodes) HasAnyData() bool {
	return len(m.weights) > 0
}

// FindMatchingNodes weighs every candidate listing against the primary's.
// decide is consulted per candidate node; a NO verdict drops the node while
// THROTTLE keeps it. Candidates already hosting a copy, and candidates with
// no files, are skipped.
func FindMatchingNodes(
	primary storage.StoreFilesMetaData,
	candidates map[string]NodeStoreFilesMetaData,
	decide func(nodeID string) decision.Decision,
) MatchingNodes {
	weights := make(map[string]int64)
	for nodeID, candidate := range candidates {
		store := candidate.Store
		if store == nil {
			continue
		}
		if decide(nodeID).Type == decision.No {
			continue
		}
		if store.Allocated {
			continue
		}
		if store.Empty() {
			continue
		}
		if syncIDMatches(primary, store) {
			weights[nodeID] = SyncIDMatch
			continue
		}
		var matched int64
		for name, file := range store.Files {
			if pf, ok := primary.File(name); ok && pf.IsSame(file) {
				matched += file.Length
			}
		}
		weights[nodeID] = matched
	}
	return NewMatchingNodes(weights)
}

// syncIDMatches reports whether candidate carries the primary's sync id.
func syncIDMatches(primary storage.StoreFilesMetaData, candidate *storage.StoreFilesMetaData) bool {
	return candidate != nil && candidate.SyncID != "" && candidate.SyncID == primary.SyncID
}
