package routing

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// DefaultDelayedNodeLeftTimeout is how long replicas of a departed node wait
// for it to come back before being reallocated elsewhere.
const DefaultDelayedNodeLeftTimeout = time.Minute

// DelayedNodeLeftTimeoutSetting is the index setting name of the delay.
const DelayedNodeLeftTimeoutSetting = "index.unassigned.node_left.delayed_timeout"

// Duration is a time.Duration that reads and writes JSON as "10h", "90s", ...
// Plain numbers are accepted as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// ClusterSettings are cluster-wide defaults that index settings may override.
type ClusterSettings struct {
	DelayedNodeLeftTimeout time.Duration
}

// DefaultClusterSettings returns the built-in cluster defaults.
func DefaultClusterSettings() ClusterSettings {
	return ClusterSettings{DelayedNodeLeftTimeout: DefaultDelayedNodeLeftTimeout}
}

// IndexSettings are per-index settings consumed by the allocator.
type IndexSettings struct {
	// DelayedNodeLeftTimeout overrides the cluster default when set. Zero
	// disables delayed allocation for the index.
	DelayedNodeLeftTimeout *Duration `json:"delayed_node_left_timeout,omitempty"`
}

// DelayedTimeout resolves the node-left delay for an index.
func (s IndexSettings) DelayedTimeout(cluster ClusterSettings) time.Duration {
	if s.DelayedNodeLeftTimeout != nil {
		return time.Duration(*s.DelayedNodeLeftTimeout)
	}
	return cluster.DelayedNodeLeftTimeout
}

// WithDelayedTimeout returns a copy of s with the node-left delay set.
func (s IndexSettings) WithDelayedTimeout(d time.Duration) IndexSettings {
	v := Duration(d)
	s.DelayedNodeLeftTimeout = &v
	return s
}

// IndexMetadata describes the shape of an index.
type IndexMetadata struct {
	Name             string        `json:"name"`
	NumberOfShards   int           `json:"number_of_shards"`
	NumberOfReplicas int           `json:"number_of_replicas"`
	Settings         IndexSettings `json:"settings"`
}

// Validate checks the metadata is usable.
func (m IndexMetadata) Validate() error {
	if m.Name == "" {
		return errors.New("index name is required")
	}
	if m.NumberOfShards < 1 {
		return errors.Errorf("index [%s] must have at least one shard, got %d", m.Name, m.NumberOfShards)
	}
	if m.NumberOfReplicas < 0 {
		return errors.Errorf("index [%s] cannot have %d replicas", m.Name, m.NumberOfReplicas)
	}
	return nil
}

// Metadata is the registry of index metadata.
type Metadata struct {
	indices map[string]IndexMetadata
}

// NewMetadata returns a registry holding the given indices.
func NewMetadata(indices ...IndexMetadata) *Metadata {
	m := &Metadata{indices: make(map[string]IndexMetadata, len(indices))}
	for _, idx := range indices {
		m.indices[idx.Name] = idx
	}
	return m
}

// Put adds or replaces an index.
func (m *Metadata) Put(idx IndexMetadata) {
	m.indices[idx.Name] = idx
}

// Index returns the metadata of the named index.
func (m *Metadata) Index(name string) (IndexMetadata, bool) {
	idx, ok := m.indices[name]
	return idx, ok
}

// Settings returns the index settings, or zero settings for unknown indices.
func (m *Metadata) Settings(name string) IndexSettings {
	return m.indices[name].Settings
}

// Indices returns every index ordered by name.
func (m *Metadata) Indices() []IndexMetadata {
	out := make([]IndexMetadata, 0, len(m.indices))
	for _, idx := range m.indices {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns an independent copy.
func (m *Metadata) Clone() *Metadata {
	c := &Metadata{indices: make(map[string]IndexMetadata, len(m.indices))}
	for k, v := range m.indices {
		c.indices[k] = v
	}
	return c
}

func (m IndexMetadata) String() string {
	return fmt.Sprintf("[%s] shards=%d replicas=%d", m.Name, m.NumberOfShards, m.NumberOfReplicas)
}
