package cluster

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Role is a capability advertised by a node.
type Role string

const (
	RoleData   Role = "data"
	RoleMaster Role = "master"
)

// DiscoveryNode identifies a member of the cluster.
type DiscoveryNode struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Addr       string            `json:"addr"`
	Roles      []Role            `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsDataNode reports whether the node can host shards. A node that
// advertises no roles is a data node.
func (n DiscoveryNode) IsDataNode() bool {
	return len(n.Roles) == 0 || slices.Contains(n.Roles, RoleData)
}

func (n DiscoveryNode) String() string {
	if n.Name != "" && n.Name != n.ID {
		return fmt.Sprintf("{%s}{%s}{%s}", n.Name, n.ID, n.Addr)
	}
	return fmt.Sprintf("{%s}{%s}", n.ID, n.Addr)
}

// RegisterRequest is posted by a node joining the cluster.
type RegisterRequest struct {
	Node DiscoveryNode `json:"node"`
}

// ErrUnknownNode is returned when a node id or name cannot be resolved.
var ErrUnknownNode = errors.New("unknown node")

// DiscoveryNodes is the set of nodes currently in the cluster, keyed by id.
// It is not safe for concurrent mutation; the coordinator guards it.
type DiscoveryNodes struct {
	nodes map[string]DiscoveryNode
}

// NewDiscoveryNodes returns a set holding the given nodes.
func NewDiscoveryNodes(nodes ...DiscoveryNode) *DiscoveryNodes {
	d := &DiscoveryNodes{nodes: make(map[string]DiscoveryNode, len(nodes))}
	for _, n := range nodes {
		d.Put(n)
	}
	return d
}

// Put adds or replaces a node.
func (d *DiscoveryNodes) Put(n DiscoveryNode) {
	d.nodes[n.ID] = n
}

// Remove deletes a node and reports whether it was present.
func (d *DiscoveryNodes) Remove(id string) bool {
	_, ok := d.nodes[id]
	delete(d.nodes, id)
	return ok
}

// Get returns the node with the given id.
func (d *DiscoveryNodes) Get(id string) (DiscoveryNode, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (d *DiscoveryNodes) Len() int {
	return len(d.nodes)
}

// All returns every node ordered by id.
func (d *DiscoveryNodes) All() []DiscoveryNode {
	out := make([]DiscoveryNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DataNodes returns the data-capable nodes ordered by id.
func (d *DiscoveryNodes) DataNodes() []DiscoveryNode {
	all := d.All()
	out := all[:0]
	for _, n := range all {
		if n.IsDataNode() {
			out = append(out, n)
		}
	}
	return out
}

// Resolve finds a node by id, falling back to a unique name match.
func (d *DiscoveryNodes) Resolve(idOrName string) (DiscoveryNode, error) {
	if n, ok := d.nodes[idOrName]; ok {
		return n, nil
	}
	var found []DiscoveryNode
	for _, n := range d.nodes {
		if n.Name == idOrName {
			found = append(found, n)
		}
	}
	switch len(found) {
	case 0:
		return DiscoveryNode{}, errors.Wrapf(ErrUnknownNode, "failed to resolve [%s]", idOrName)
	case 1:
		return found[0], nil
	default:
		return DiscoveryNode{}, errors.Errorf("failed to resolve [%s], matches %d nodes", idOrName, len(found))
	}
}

// Clone returns an independent copy of the set.
func (d *DiscoveryNodes) Clone() *DiscoveryNodes {
	c := &DiscoveryNodes{nodes: make(map[string]DiscoveryNode, len(d.nodes))}
	for id, n := range d.nodes {
		c.nodes[id] = n
	}
	return c
}
