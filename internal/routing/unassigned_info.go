package routing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
)

// Reason is why a shard copy became unassigned.
type Reason int8

const (
	ReasonIndexCreated Reason = iota + 1
	ReasonClusterRecovered
	ReasonIndexReopened
	ReasonDanglingIndexImported
	ReasonNewIndexRestored
	ReasonExistingIndexRestored
	ReasonReplicaAdded
	ReasonAllocationFailed
	ReasonNodeLeft
	ReasonRerouteCancelled
	ReasonReinitialized
	ReasonReallocatedReplica
)

// reasonTags is the wire encoding of each reason. Tags are part of the
// persisted format and must never be renumbered.
var reasonTags = map[Reason]byte{
	ReasonIndexCreated:          0,
	ReasonClusterRecovered:      1,
	ReasonIndexReopened:         2,
	ReasonDanglingIndexImported: 3,
	ReasonNewIndexRestored:      4,
	ReasonExistingIndexRestored: 5,
	ReasonReplicaAdded:          6,
	ReasonAllocationFailed:      7,
	ReasonNodeLeft:              8,
	ReasonRerouteCancelled:      9,
	ReasonReinitialized:         10,
	ReasonReallocatedReplica:    11,
}

var reasonNames = map[Reason]string{
	ReasonIndexCreated:          "INDEX_CREATED",
	ReasonClusterRecovered:      "CLUSTER_RECOVERED",
	ReasonIndexReopened:         "INDEX_REOPENED",
	ReasonDanglingIndexImported: "DANGLING_INDEX_IMPORTED",
	ReasonNewIndexRestored:      "NEW_INDEX_RESTORED",
	ReasonExistingIndexRestored: "EXISTING_INDEX_RESTORED",
	ReasonReplicaAdded:          "REPLICA_ADDED",
	ReasonAllocationFailed:      "ALLOCATION_FAILED",
	ReasonNodeLeft:              "NODE_LEFT",
	ReasonRerouteCancelled:      "REROUTE_CANCELLED",
	ReasonReinitialized:         "REINITIALIZED",
	ReasonReallocatedReplica:    "REALLOCATED_REPLICA",
}

var reasonsByTag = func() map[byte]Reason {
	m := make(map[byte]Reason, len(reasonTags))
	for r, tag := range reasonTags {
		m[tag] = r
	}
	return m
}()

// Reasons lists every reason in declaration order.
func Reasons() []Reason {
	out := make([]Reason, 0, ReasonReallocatedReplica)
	for r := ReasonIndexCreated; r <= ReasonReallocatedReplica; r++ {
		out = append(out, r)
	}
	return out
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int8(r))
}

// Tag returns the wire tag of r.
func (r Reason) Tag() (byte, error) {
	tag, ok := reasonTags[r]
	if !ok {
		return 0, errors.Errorf("no wire tag for %s", r)
	}
	return tag, nil
}

// ReasonFromTag decodes a wire tag.
func ReasonFromTag(tag byte) (Reason, error) {
	r, ok := reasonsByTag[tag]
	if !ok {
		return 0, errors.Errorf("unknown unassigned reason tag %d", tag)
	}
	return r, nil
}

func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Reason) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for reason, name := range reasonNames {
		if name == s {
			*r = reason
			return nil
		}
	}
	return errors.Errorf("unknown unassigned reason %q", s)
}

var clockBase = time.Now()

// NanoTime is the monotonic clock used for delay computations. Values are
// only comparable within one process.
func NanoTime() int64 {
	return int64(time.Since(clockBase))
}

// UnassignedInfo records why and when a shard copy became unassigned. It is
// replaced, not edited, when the reason changes. The only mutable part is the
// cached delay refreshed once per reroute pass.
type UnassignedInfo struct {
	reason  Reason
	message string
	failure error
	millis  int64
	nanos   int64

	lastComputedLeftDelayNanos int64
	delayExpired               bool
}

// NewUnassignedInfo stamps a new info with the current clocks.
func NewUnassignedInfo(reason Reason, message string) *UnassignedInfo {
	return NewUnassignedInfoAt(reason, message, nil, time.Now().UnixMilli(), NanoTime())
}

// NewUnassignedInfoAt builds an info with explicit timestamps.
func NewUnassignedInfoAt(reason Reason, message string, failure error, millis, nanos int64) *UnassignedInfo {
	return &UnassignedInfo{
		reason:  reason,
		message: message,
		failure: failure,
		millis:  millis,
		nanos:   nanos,
	}
}

// WithFailure returns a copy carrying a failure.
func (u *UnassignedInfo) WithFailure(err error) *UnassignedInfo {
	c := *u
	c.failure = err
	return &c
}

func (u *UnassignedInfo) Reason() Reason  { return u.reason }
func (u *UnassignedInfo) Message() string { return u.message }
func (u *UnassignedInfo) Failure() error  { return u.failure }

// UnassignedTimeMillis is the wall-clock time the shard became unassigned.
func (u *UnassignedInfo) UnassignedTimeMillis() int64 { return u.millis }

// UnassignedTimeNanos is the monotonic time the shard became unassigned.
func (u *UnassignedInfo) UnassignedTimeNanos() int64 { return u.nanos }

// LastComputedLeftDelayNanos returns the delay cached by the last UpdateDelay.
func (u *UnassignedInfo) LastComputedLeftDelayNanos() int64 {
	return u.lastComputedLeftDelayNanos
}

// Details is the message followed by the failure, if any.
func (u *UnassignedInfo) Details() string {
	if u.message == "" {
		return ""
	}
	if u.failure != nil {
		return u.message + ", failure " + u.failure.Error()
	}
	return u.message
}

// DelayAllocationExpirationIn computes the delay left at nanoTime without
// touching the cache. Only NODE_LEFT shards are ever delayed.
func (u *UnassignedInfo) DelayAllocationExpirationIn(nanoTime int64, index IndexSettings, cluster ClusterSettings) int64 {
	if u.reason != ReasonNodeLeft {
		return 0
	}
	delay := index.DelayedTimeout(cluster).Nanoseconds()
	if delay <= 0 {
		return 0
	}
	left := delay - (nanoTime - u.nanos)
	if left < 0 {
		return 0
	}
	return left
}

// UpdateDelay recomputes and caches the remaining delay at nanoTime. Once
// the cached delay has reached 0 it stays 0 for this info, whatever the
// settings say later.
func (u *UnassignedInfo) UpdateDelay(nanoTime int64, index IndexSettings, cluster ClusterSettings) int64 {
	if u.delayExpired {
		return 0
	}
	u.lastComputedLeftDelayNanos = u.DelayAllocationExpirationIn(nanoTime, index, cluster)
	u.delayExpired = u.lastComputedLeftDelayNanos == 0
	return u.lastComputedLeftDelayNanos
}

func (u *UnassignedInfo) clone() *UnassignedInfo {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func (u *UnassignedInfo) String() string {
	s := fmt.Sprintf("unassigned_info[[reason=%s], at[%s]", u.reason, time.UnixMilli(u.millis).UTC().Format(time.RFC3339Nano))
	if d := u.Details(); d != "" {
		s += ", details[" + d + "]"
	}
	return s + "]"
}

type unassignedInfoJSON struct {
	Reason     Reason `json:"reason"`
	At         string `json:"at"`
	Details    string `json:"details,omitempty"`
	DelayNanos int64  `json:"delay_left_nanos,omitempty"`
}

func (u *UnassignedInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(unassignedInfoJSON{
		Reason:     u.reason,
		At:         time.UnixMilli(u.millis).UTC().Format(time.RFC3339Nano),
		Details:    u.Details(),
		DelayNanos: u.lastComputedLeftDelayNanos,
	})
}

// Record types of the binary encoding.
const (
	recReason  = 'R'
	recTime    = 'T'
	recMessage = 'M'
	recFailure = 'E'
)

// MarshalBinary encodes the reason tag, the wall-clock timestamp, the
// message and the failure text as TLV records. The monotonic timestamp is
// process local and is not persisted.
func (u *UnassignedInfo) MarshalBinary() ([]byte, error) {
	tag, err := u.reason.Tag()
	if err != nil {
		return nil, err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(u.millis))
	var failure []byte
	if u.failure != nil {
		failure = []byte(u.failure.Error())
	}
	out := toytlv.Record(recReason, []byte{tag})
	out = append(out, toytlv.Record(recTime, ts[:])...)
	out = append(out, toytlv.Record(recMessage, []byte(u.message))...)
	out = append(out, toytlv.Record(recFailure, failure)...)
	return out, nil
}

// UnmarshalBinary decodes what MarshalBinary wrote. The monotonic timestamp
// is rebased so the elapsed time since the wall-clock stamp is preserved.
func (u *UnassignedInfo) UnmarshalBinary(data []byte) error {
	body, rest := toytlv.Take(recReason, data)
	if len(body) != 1 {
		return errors.New("unassigned info: bad reason record")
	}
	reason, err := ReasonFromTag(body[0])
	if err != nil {
		return err
	}
	body, rest = toytlv.Take(recTime, rest)
	if len(body) != 8 {
		return errors.New("unassigned info: bad timestamp record")
	}
	millis := int64(binary.BigEndian.Uint64(body))
	message, rest := toytlv.Take(recMessage, rest)
	if message == nil {
		return errors.New("unassigned info: bad message record")
	}
	failure, rest := toytlv.Take(recFailure, rest)
	if failure == nil {
		return errors.New("unassigned info: bad failure record")
	}
	if len(rest) != 0 {
		return errors.Errorf("unassigned info: %d trailing bytes", len(rest))
	}

	*u = UnassignedInfo{
		reason:  reason,
		message: string(message),
		millis:  millis,
		nanos:   NanoTime() - (time.Now().UnixMilli()-millis)*int64(time.Millisecond),
	}
	if len(failure) > 0 {
		u.failure = errors.New(string(failure))
	}
	return nil
}
