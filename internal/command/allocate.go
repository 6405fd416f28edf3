package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

const (
	// AllocateName names the allocate command in command lists.
	AllocateName = "allocate"
	// AllocateLabel labels the verdicts produced by the command itself.
	AllocateLabel = "allocate_allocation_command"
)

// AllocateCommand places an unassigned copy of a shard on a node. Placing a
// primary must be allowed explicitly because it creates an empty copy.
type AllocateCommand struct {
	ShardID      routing.ShardID
	Node         string
	AllowPrimary bool
}

// NewAllocateCommand returns an allocate command.
func NewAllocateCommand(id routing.ShardID, node string, allowPrimary bool) *AllocateCommand {
	return &AllocateCommand{ShardID: id, Node: node, AllowPrimary: allowPrimary}
}

func (c *AllocateCommand) Name() string { return AllocateName }

// Execute runs the command. THROTTLE verdicts do not stop it. An unknown
// node is an error even in explain mode.
func (c *AllocateCommand) Execute(alloc *allocation.RoutingAllocation, explain bool) (RerouteExplanation, error) {
	node, err := alloc.Nodes().Resolve(c.Node)
	if err != nil {
		return RerouteExplanation{}, errors.Wrapf(ErrInvalidArgument, "[%s] %v", AllocateName, err)
	}
	rn := alloc.RoutingNodes()

	var target routing.ShardRouting
	found := false
	for _, s := range rn.Unassigned().Shards() {
		if s.ShardID() != c.ShardID {
			continue
		}
		if !found || s.Primary() {
			target, found = s, true
		}
	}
	if !found {
		return c.reject(alloc, explain, ErrInvalidArgument,
			"failed to find %s on the list of unassigned shards", c.ShardID)
	}
	if target.Primary() && !c.AllowPrimary {
		return c.reject(alloc, explain, ErrInvalidArgument,
			"trying to allocate a primary shard %s, which is disabled", c.ShardID)
	}

	routingNode, ok := rn.Node(node.ID)
	if !ok {
		if !node.IsDataNode() {
			return c.rejectBare(alloc, explain, ErrInvalidArgument,
				"Allocation can only be done on data nodes, not [%s]", c.Node)
		}
		return c.rejectBare(alloc, explain, ErrIllegalState,
			"Could not find [%s] among the routing nodes", c.Node)
	}

	verdict := alloc.CanAllocate(target, routingNode)
	if verdict.Type == decision.No {
		if explain {
			return RerouteExplanation{Command: c, Decision: verdict}, nil
		}
		return RerouteExplanation{}, errors.Wrapf(ErrInvalidArgument,
			"[%s] allocation of %s on node %s is not allowed, reason: %s", AllocateName, c.ShardID, node, verdict)
	}

	it := rn.Unassigned().Iterator()
	for it.Next() {
		s := it.Shard()
		if s.Key() != target.Key() {
			continue
		}
		// a forced primary starts over as if its index had just been created
		if info := s.UnassignedInfo(); s.Primary() && info != nil && info.Reason() != routing.ReasonIndexCreated {
			forced := routing.NewUnassignedInfoAt(routing.ReasonIndexCreated,
				fmt.Sprintf("force allocation from previous reason %s, %s", info.Reason(), info.Message()),
				info.Failure(), time.Now().UnixMilli(), alloc.NanoTime())
			if err := it.UpdateUnassignedInfo(forced); err != nil {
				return RerouteExplanation{}, errors.Wrapf(ErrIllegalState, "[%s] %v", AllocateName, err)
			}
		}
		size := alloc.ClusterInfo().ShardSize(c.ShardID, routing.UnavailableExpectedShardSize)
		if _, err := it.Initialize(routingNode.NodeID(), size); err != nil {
			return RerouteExplanation{}, errors.Wrapf(ErrIllegalState, "[%s] %v", AllocateName, err)
		}
		break
	}
	return RerouteExplanation{Command: c, Decision: verdict}, nil
}

// reject turns a refusal into a NO explanation or a prefixed error.
func (c *AllocateCommand) reject(alloc *allocation.RoutingAllocation, explain bool, kind error, format string, args ...interface{}) (RerouteExplanation, error) {
	if explain {
		return RerouteExplanation{Command: c, Decision: alloc.Decision(decision.No, AllocateLabel, format, args...)}, nil
	}
	return RerouteExplanation{}, errors.Wrapf(kind, "[%s] %s", AllocateName, fmt.Sprintf(format, args...))
}

// rejectBare is reject without the command prefix on the error.
func (c *AllocateCommand) rejectBare(alloc *allocation.RoutingAllocation, explain bool, kind error, format string, args ...interface{}) (RerouteExplanation, error) {
	if explain {
		return RerouteExplanation{Command: c, Decision: alloc.Decision(decision.No, AllocateLabel, format, args...)}, nil
	}
	return RerouteExplanation{}, errors.Wrapf(kind, format, args...)
}

type allocateJSON struct {
	Index        string `json:"index"`
	Shard        int    `json:"shard"`
	Node         string `json:"node"`
	AllowPrimary bool   `json:"allow_primary"`
}

func (c *AllocateCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(allocateJSON{
		Index:        c.ShardID.Index,
		Shard:        c.ShardID.Shard,
		Node:         c.Node,
		AllowPrimary: c.AllowPrimary,
	})
}

// ParseAllocate reads {"index","shard","node","allow_primary"}. The field
// allowPrimary is accepted as an alias.
func ParseAllocate(body json.RawMessage) (Command, error) {
	var in struct {
		Index             *string `json:"index"`
		Shard             *int    `json:"shard"`
		Node              *string `json:"node"`
		AllowPrimary      *bool   `json:"allow_primary"`
		AllowPrimaryAlias *bool   `json:"allowPrimary"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "[%s] command parse failure: %v", AllocateName, err)
	}
	switch {
	case in.Index == nil:
		return nil, errors.Wrapf(ErrInvalidArgument, "[%s] command missing the index parameter", AllocateName)
	case in.Shard == nil || *in.Shard < 0:
		return nil, errors.Wrapf(ErrInvalidArgument, "[%s] command missing the shard parameter", AllocateName)
	case in.Node == nil:
		return nil, errors.Wrapf(ErrInvalidArgument, "[%s] command missing the node parameter", AllocateName)
	}
	allowPrimary := false
	if in.AllowPrimary != nil {
		allowPrimary = *in.AllowPrimary
	} else if in.AllowPrimaryAlias != nil {
		allowPrimary = *in.AllowPrimaryAlias
	}
	return NewAllocateCommand(routing.ShardID{Index: *in.Index, Shard: *in.Shard}, *in.Node, allowPrimary), nil
}
