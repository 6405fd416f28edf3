package routing

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// UnassignedShards holds the copies waiting for a node. Copies skipped
// during an allocation pass are parked in the ignored list until
// ResetIgnored is called at the start of the next pass.
type UnassignedShards struct {
	table   *RoutingNodes
	keys    []ShardKey
	ignored []ShardKey
}

// Len is the number of copies still eligible in this pass.
func (u *UnassignedShards) Len() int { return len(u.keys) }

// IgnoredLen is the number of copies parked for this pass.
func (u *UnassignedShards) IgnoredLen() int { return len(u.ignored) }

// Shards returns the eligible copies in iteration order.
func (u *UnassignedShards) Shards() []ShardRouting {
	return u.records(u.keys)
}

// Ignored returns the parked copies.
func (u *UnassignedShards) Ignored() []ShardRouting {
	return u.records(u.ignored)
}

func (u *UnassignedShards) records(keys []ShardKey) []ShardRouting {
	out := make([]ShardRouting, 0, len(keys))
	for _, k := range keys {
		out = append(out, *u.table.arena[k])
	}
	return out
}

// ResetIgnored makes every parked copy eligible again.
func (u *UnassignedShards) ResetIgnored() {
	u.keys = append(u.keys, u.ignored...)
	u.ignored = nil
}

// SortPrimariesFirst orders primaries ahead of replicas, then by shard key.
func (u *UnassignedShards) SortPrimariesFirst() {
	sort.SliceStable(u.keys, func(i, j int) bool {
		a, b := u.table.arena[u.keys[i]], u.table.arena[u.keys[j]]
		if a.primary != b.primary {
			return a.primary
		}
		if a.key.Index != b.key.Index {
			return a.key.Index < b.key.Index
		}
		if a.key.Shard != b.key.Shard {
			return a.key.Shard < b.key.Shard
		}
		return a.key.Copy < b.key.Copy
	})
}

func (u *UnassignedShards) add(k ShardKey) {
	u.keys = append(u.keys, k)
}

// Find returns the first eligible copy matching the predicate.
func (u *UnassignedShards) Find(match func(ShardRouting) bool) (ShardRouting, bool) {
	for _, k := range u.keys {
		if s := *u.table.arena[k]; match(s) {
			return s, true
		}
	}
	return ShardRouting{}, false
}

// Iterator walks the eligible copies. Each copy may be consumed at most once,
// either by RemoveAndIgnore or Initialize.
func (u *UnassignedShards) Iterator() *UnassignedIterator {
	return &UnassignedIterator{u: u, idx: -1}
}

// ErrIteratorConsumed is returned when the current copy was already removed
// or initialized.
var ErrIteratorConsumed = errors.New("current unassigned shard already consumed")

// UnassignedIterator is a cursor over the unassigned collection that allows
// in-place removal.
type UnassignedIterator struct {
	u        *UnassignedShards
	idx      int
	consumed bool
}

// Next advances to the next copy.
func (it *UnassignedIterator) Next() bool {
	if !it.consumed {
		it.idx++
	}
	it.consumed = false
	return it.idx < len(it.u.keys)
}

// Shard returns the current copy.
func (it *UnassignedIterator) Shard() ShardRouting {
	return *it.u.table.arena[it.u.keys[it.idx]]
}

func (it *UnassignedIterator) take() (ShardKey, error) {
	if it.consumed || it.idx < 0 || it.idx >= len(it.u.keys) {
		return ShardKey{}, ErrIteratorConsumed
	}
	k := it.u.keys[it.idx]
	it.u.keys = slices.Delete(it.u.keys, it.idx, it.idx+1)
	it.consumed = true
	return k, nil
}

// RemoveAndIgnore parks the current copy for the rest of the pass.
func (it *UnassignedIterator) RemoveAndIgnore() error {
	k, err := it.take()
	if err != nil {
		return err
	}
	it.u.ignored = append(it.u.ignored, k)
	return nil
}

// Initialize assigns the current copy to a node.
func (it *UnassignedIterator) Initialize(nodeID string, expectedSize int64) (ShardRouting, error) {
	node, ok := it.u.table.nodes[nodeID]
	if !ok {
		return ShardRouting{}, errors.Errorf("cannot initialize on unknown node [%s]", nodeID)
	}
	k, err := it.take()
	if err != nil {
		return ShardRouting{}, err
	}
	s := it.u.table.arena[k]
	s.initialize(nodeID, expectedSize)
	node.add(k)
	return *s, nil
}

// UpdateUnassignedInfo replaces the info of the current copy. The copy stays
// current.
func (it *UnassignedIterator) UpdateUnassignedInfo(info *UnassignedInfo) error {
	if it.consumed || it.idx < 0 || it.idx >= len(it.u.keys) {
		return ErrIteratorConsumed
	}
	s := it.u.table.arena[it.u.keys[it.idx]]
	s.unassignedInfo = info
	s.version++
	return nil
}
