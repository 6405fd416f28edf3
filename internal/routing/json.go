package routing

import "encoding/json"

type shardRoutingJSON struct {
	Index             string          `json:"index"`
	Shard             int             `json:"shard"`
	Copy              int             `json:"copy"`
	Primary           bool            `json:"primary"`
	State             string          `json:"state"`
	Node              string          `json:"node,omitempty"`
	RelocatingNode    string          `json:"relocating_node,omitempty"`
	Version           int64           `json:"version"`
	AllocationID      string          `json:"allocation_id,omitempty"`
	ExpectedShardSize int64           `json:"expected_shard_size_in_bytes,omitempty"`
	UnassignedInfo    *UnassignedInfo `json:"unassigned_info,omitempty"`
}

func (s ShardRouting) MarshalJSON() ([]byte, error) {
	v := shardRoutingJSON{
		Index:          s.key.Index,
		Shard:          s.key.Shard,
		Copy:           s.key.Copy,
		Primary:        s.primary,
		State:          s.state.String(),
		Node:           s.currentNodeID,
		RelocatingNode: s.relocatingNodeID,
		Version:        s.version,
		AllocationID:   s.allocationID,
		UnassignedInfo: s.unassignedInfo,
	}
	if s.expectedShardSize != UnavailableExpectedShardSize {
		v.ExpectedShardSize = s.expectedShardSize
	}
	return json.Marshal(v)
}

// TableView is the JSON rendering of a routing table.
type TableView struct {
	Nodes      map[string][]ShardRouting `json:"nodes"`
	Unassigned []ShardRouting            `json:"unassigned"`
	Ignored    []ShardRouting            `json:"ignored,omitempty"`
}

// View snapshots the routing table for rendering.
func (rn *RoutingNodes) View() TableView {
	v := TableView{
		Nodes:      make(map[string][]ShardRouting, len(rn.nodes)),
		Unassigned: rn.unassigned.Shards(),
		Ignored:    rn.unassigned.Ignored(),
	}
	for _, n := range rn.Nodes() {
		v.Nodes[n.nodeID] = n.Shards()
	}
	return v
}
