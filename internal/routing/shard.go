package routing

import (
	"fmt"

	"github.com/google/uuid"
)

// UnavailableExpectedShardSize marks a shard whose size is not known.
const UnavailableExpectedShardSize int64 = -1

// ShardID names one partition of an index.
type ShardID struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
}

func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.Shard)
}

// ShardKey addresses one copy of a shard in the routing arena. Copy indices
// are stable for the life of the index; the primary flag is carried by the
// record and may move between copies.
type ShardKey struct {
	ShardID
	Copy int `json:"copy"`
}

func (k ShardKey) String() string {
	return fmt.Sprintf("%s#%d", k.ShardID, k.Copy)
}

// ShardRoutingState is the lifecycle state of a shard copy.
type ShardRoutingState int8

const (
	Unassigned ShardRoutingState = iota + 1
	Initializing
	Started
	Relocating
)

func (s ShardRoutingState) String() string {
	switch s {
	case Unassigned:
		return "UNASSIGNED"
	case Initializing:
		return "INITIALIZING"
	case Started:
		return "STARTED"
	case Relocating:
		return "RELOCATING"
	default:
		return fmt.Sprintf("ShardRoutingState(%d)", int8(s))
	}
}

// ShardRouting is the placement record of one shard copy. Values handed out
// by RoutingNodes are copies; mutating the routing table goes through
// RoutingNodes and the unassigned iterator.
type ShardRouting struct {
	key               ShardKey
	primary           bool
	state             ShardRoutingState
	currentNodeID     string
	relocatingNodeID  string
	version           int64
	unassignedInfo    *UnassignedInfo
	allocationID      string
	expectedShardSize int64
	relocationTarget  bool
}

// NewUnassignedShard builds a detached unassigned copy. It is mainly useful
// to tests and to callers assembling a routing table by hand.
func NewUnassignedShard(key ShardKey, primary bool, info *UnassignedInfo) ShardRouting {
	return ShardRouting{
		key:               key,
		primary:           primary,
		state:             Unassigned,
		version:           1,
		unassignedInfo:    info,
		expectedShardSize: UnavailableExpectedShardSize,
	}
}

func (s ShardRouting) ShardID() ShardID { return s.key.ShardID }
func (s ShardRouting) Key() ShardKey    { return s.key }
func (s ShardRouting) Index() string    { return s.key.Index }
func (s ShardRouting) Primary() bool    { return s.primary }

func (s ShardRouting) State() ShardRoutingState { return s.state }
func (s ShardRouting) CurrentNodeID() string    { return s.currentNodeID }

// RelocatingNodeID is the target node of a relocating source, or the source
// node when s is a relocation target view.
func (s ShardRouting) RelocatingNodeID() string { return s.relocatingNodeID }

func (s ShardRouting) Version() int64 { return s.version }

// UnassignedInfo is nil once the copy has started.
func (s ShardRouting) UnassignedInfo() *UnassignedInfo { return s.unassignedInfo }

func (s ShardRouting) AllocationID() string     { return s.allocationID }
func (s ShardRouting) ExpectedShardSize() int64 { return s.expectedShardSize }

// IsRelocationTarget reports whether s is the initializing view of a
// relocation as seen from the target node.
func (s ShardRouting) IsRelocationTarget() bool { return s.relocationTarget }

func (s ShardRouting) Unassigned() bool   { return s.state == Unassigned }
func (s ShardRouting) Initializing() bool { return s.state == Initializing }
func (s ShardRouting) Started() bool      { return s.state == Started }
func (s ShardRouting) Relocating() bool   { return s.state == Relocating }
func (s ShardRouting) Assigned() bool     { return s.currentNodeID != "" }

// Active is true for started and relocating copies.
func (s ShardRouting) Active() bool { return s.state == Started || s.state == Relocating }

// AllocatedPostIndexCreate reports whether the copy may have data somewhere.
// A copy that has never been started since its index was created has none.
func (s ShardRouting) AllocatedPostIndexCreate() bool {
	if s.Active() {
		return true
	}
	if s.unassignedInfo == nil {
		return true
	}
	return s.unassignedInfo.Reason() != ReasonIndexCreated
}

func (s ShardRouting) String() string {
	role := "r"
	if s.primary {
		role = "p"
	}
	str := fmt.Sprintf("%s[%s], node[%s]", s.key.ShardID, role, s.currentNodeID)
	if s.relocatingNodeID != "" {
		if s.relocationTarget {
			str += fmt.Sprintf(", relocating from [%s]", s.relocatingNodeID)
		} else {
			str += fmt.Sprintf(", relocating [%s]", s.relocatingNodeID)
		}
	}
	str += fmt.Sprintf(", s[%s], v[%d]", s.state, s.version)
	if s.unassignedInfo != nil {
		str += ", " + s.unassignedInfo.String()
	}
	return str
}

// targetView is the relocation target as seen from the target node.
func (s *ShardRouting) targetView() ShardRouting {
	v := *s
	v.state = Initializing
	v.currentNodeID = s.relocatingNodeID
	v.relocatingNodeID = s.currentNodeID
	v.unassignedInfo = nil
	v.relocationTarget = true
	return v
}

func (s *ShardRouting) initialize(nodeID string, expectedSize int64) {
	s.state = Initializing
	s.currentNodeID = nodeID
	s.relocatingNodeID = ""
	s.allocationID = uuid.NewString()
	s.expectedShardSize = expectedSize
	s.version++
}

func (s *ShardRouting) relocate(nodeID string, expectedSize int64) {
	s.state = Relocating
	s.relocatingNodeID = nodeID
	s.expectedShardSize = expectedSize
	s.version++
}

func (s *ShardRouting) cancelRelocation() {
	s.state = Started
	s.relocatingNodeID = ""
	s.expectedShardSize = UnavailableExpectedShardSize
	s.version++
}

func (s *ShardRouting) moveToStarted() {
	if s.state == Relocating {
		s.currentNodeID = s.relocatingNodeID
		s.relocatingNodeID = ""
		s.allocationID = uuid.NewString()
	}
	s.state = Started
	s.unassignedInfo = nil
	s.expectedShardSize = UnavailableExpectedShardSize
	s.version++
}

func (s *ShardRouting) moveToUnassigned(info *UnassignedInfo) {
	s.state = Unassigned
	s.currentNodeID = ""
	s.relocatingNodeID = ""
	s.allocationID = ""
	s.unassignedInfo = info
	s.expectedShardSize = UnavailableExpectedShardSize
	s.version++
}
