package coordinator

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/allocation/deciders"
	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/command"
	"github.com/dreamware/torua/internal/gateway"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
)

// Reroute reasons recorded in logs and metrics.
const (
	ReasonIndexCreated   = "index created"
	ReasonReplicasAdded  = "replicas added"
	ReasonSettings       = "index settings updated"
	ReasonNodeJoined     = "node joined"
	ReasonNodeLeft       = "node left"
	ReasonShardStarted   = "shard started"
	ReasonShardFailed    = "shard failed"
	ReasonCommands       = "reroute commands"
	ReasonDelayedExpired = "assign delayed unassigned shards"
	ReasonAsyncFetch     = "async shard fetch"
	ReasonManual         = "manual"
)

// ErrIndexExists is returned when creating an index that already exists.
var ErrIndexExists = errors.New("index already exists")

// ErrIndexNotFound is returned for operations on an unknown index.
var ErrIndexNotFound = errors.New("index not found")

// AllocationService owns the cluster state and runs every change through a
// reroute pass.
//
// The service is the single writer of the cluster state: metadata, the
// discovery nodes and the routing table all live behind one mutex, so a
// reroute pass always sees a consistent table and no two passes overlap.
// Store listings are the only asynchronous input; when one arrives the
// fetcher asks the scheduler for a follow-up pass instead of calling back
// into the service.
//
// Lifecycle of a shard copy as driven by the service:
//
//	CreateIndex ──► UNASSIGNED ──reroute──► INITIALIZING ──ApplyStartedShard──► STARTED
//	                    ▲                         │                                 │
//	                    └──── ApplyFailedShard ───┴──────── RemoveNode ─────────────┘
//
// Thread Safety:
// All exported methods are safe for concurrent use.
type AllocationService struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	metadata     *routing.Metadata
	nodes        *cluster.DiscoveryNodes
	routingNodes *routing.RoutingNodes
	clusterInfo  allocation.ClusterInfo
	version      int64

	deciders  *allocation.Deciders
	fetcher   *gateway.AsyncStoreFetcher
	gateway   *gateway.GatewayAllocator
	balanced  *allocation.BalancedAllocator
	scheduler *DelayedRerouteScheduler

	nanoTime func() int64
}

// Option customizes an AllocationService.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger   *slog.Logger
	metrics  *Metrics
	primary  gateway.PrimaryAllocator
	nanoTime func() int64
	deciders *allocation.Deciders
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithMetrics makes the service update m after every pass.
func WithMetrics(m *Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithPrimaryAllocator plugs in the store-aware primary allocator.
func WithPrimaryAllocator(p gateway.PrimaryAllocator) Option {
	return func(o *serviceOptions) { o.primary = p }
}

// WithNanoTime replaces the monotonic clock used for delays.
func WithNanoTime(fn func() int64) Option {
	return func(o *serviceOptions) { o.nanoTime = fn }
}

// WithDeciders replaces the stock decider chain.
func WithDeciders(d *allocation.Deciders) Option {
	return func(o *serviceOptions) { o.deciders = d }
}

// NewAllocationService creates a service with an empty cluster state.
//
// Parameters:
//   - cfg: tuning, usually DefaultConfig with overrides
//   - lister: how store listings are obtained from the nodes
//   - opts: logger, metrics and test hooks
//
// Example:
//
//	svc, err := NewAllocationService(DefaultConfig(), gateway.HTTPLister{},
//	    WithLogger(logger), WithMetrics(metrics))
func NewAllocationService(cfg Config, lister gateway.Lister, opts ...Option) (*AllocationService, error) {
	o := serviceOptions{nanoTime: routing.NanoTime}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDiscard(o.logger)
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.deciders == nil {
		o.deciders = deciders.Default(cfg.Deciders)
	}

	s := &AllocationService{
		cfg:          cfg,
		logger:       logger.With("component", "allocation-service"),
		metrics:      o.metrics,
		metadata:     routing.NewMetadata(),
		nodes:        cluster.NewDiscoveryNodes(),
		routingNodes: routing.NewRoutingNodes(),
		clusterInfo:  allocation.NewClusterInfo(nil),
		deciders:     o.deciders,
		balanced:     allocation.NewBalancedAllocator(logger),
		nanoTime:     o.nanoTime,
	}
	s.scheduler = NewDelayedRerouteScheduler(func(reason string) { s.Reroute(reason) }, logger)

	fetcher, err := gateway.NewAsyncStoreFetcher(lister,
		gateway.WithLogger(logger),
		gateway.WithFetchTimeout(cfg.FetchTimeout),
		gateway.WithCacheSize(cfg.FetchCacheSize),
		gateway.WithOnFetched(func(routing.ShardID) {
			s.scheduler.Schedule(cfg.FetchRerouteDelay, ReasonAsyncFetch)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create store fetcher")
	}
	s.fetcher = fetcher
	s.gateway = gateway.NewGatewayAllocator(o.primary, fetcher,
		gateway.WithLogger(logger), gateway.WithStrict(cfg.StrictInvariants))
	return s, nil
}

// Close stops the scheduler and waits for listings in flight.
func (s *AllocationService) Close() {
	s.scheduler.Stop()
	s.fetcher.Wait()
}

// Scheduler exposes the delayed reroute scheduler.
func (s *AllocationService) Scheduler() *DelayedRerouteScheduler { return s.scheduler }

// CreateIndex adds an index whose copies all start unassigned, then reroutes.
func (s *AllocationService) CreateIndex(meta routing.IndexMetadata) error {
	if err := meta.Validate(); err != nil {
		return errors.Wrap(command.ErrInvalidArgument, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metadata.Index(meta.Name); ok {
		return errors.Wrapf(ErrIndexExists, "[%s]", meta.Name)
	}
	if err := s.routingNodes.AddIndex(meta, routing.NewUnassignedInfoAt(routing.ReasonIndexCreated, "",
		nil, time.Now().UnixMilli(), s.nanoTime())); err != nil {
		return err
	}
	s.metadata.Put(meta)
	s.logger.Info("created index", "index", meta.Name, "shards", meta.NumberOfShards, "replicas", meta.NumberOfReplicas)
	s.reroute(ReasonIndexCreated)
	return nil
}

// AddReplicas adds count replicas to every shard of an index.
func (s *AllocationService) AddReplicas(index string, count int) error {
	if count < 1 {
		return errors.Wrapf(command.ErrInvalidArgument, "replica count must be positive, got %d", count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metadata.Index(index)
	if !ok {
		return errors.Wrapf(ErrIndexNotFound, "[%s]", index)
	}
	for i := 0; i < count; i++ {
		if err := s.routingNodes.AddReplica(index); err != nil {
			return err
		}
	}
	meta.NumberOfReplicas += count
	s.metadata.Put(meta)
	s.reroute(ReasonReplicasAdded)
	return nil
}

// UpdateIndexSettings replaces the settings of an index. A new delayed
// timeout applies to copies that are already waiting.
func (s *AllocationService) UpdateIndexSettings(index string, settings routing.IndexSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.metadata.Index(index)
	if !ok {
		return errors.Wrapf(ErrIndexNotFound, "[%s]", index)
	}
	meta.Settings = settings
	s.metadata.Put(meta)
	s.reroute(ReasonSettings)
	return nil
}

// AddNode registers a member. Data nodes also join the routing table.
// Registering a known id updates its address and roles.
func (s *AllocationService) AddNode(node cluster.DiscoveryNode) error {
	if node.ID == "" {
		return errors.Wrap(command.ErrInvalidArgument, "node id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes.Put(node)
	if node.IsDataNode() {
		s.routingNodes.AddNode(node.ID)
	}
	s.logger.Info("node joined", "node", node.String(), "data", node.IsDataNode())
	s.reroute(ReasonNodeJoined)
	return nil
}

// RemoveNode drops a member. Its copies become unassigned with NODE_LEFT;
// replicas among them wait for the node-left delay before going elsewhere.
func (s *AllocationService) RemoveNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nodes.Remove(nodeID) {
		return errors.Wrapf(cluster.ErrUnknownNode, "[%s]", nodeID)
	}
	failed := s.routingNodes.RemoveNode(nodeID)
	s.logger.Info("node left", "node", nodeID, "unassigned", failed)
	s.reroute(ReasonNodeLeft)
	return nil
}

// ApplyStartedShard marks the copy of id on nodeID as started.
func (s *AllocationService) ApplyStartedShard(id routing.ShardID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, err := s.copyOn(id, nodeID)
	if err != nil {
		return err
	}
	if !shard.Initializing() {
		return errors.Wrapf(routing.ErrIllegalState, "%s on [%s] is %s, not initializing", id, nodeID, shard.State())
	}
	started, err := s.routingNodes.Start(shard.Key())
	if err != nil {
		return err
	}
	s.gateway.ApplyStartedShard(started)
	s.logger.Info("shard started", "shard", id.String(), "node", nodeID, "primary", started.Primary())
	s.reroute(ReasonShardStarted)
	return nil
}

// ApplyFailedShard fails the copy of id on nodeID.
func (s *AllocationService) ApplyFailedShard(id routing.ShardID, nodeID, message string, failure error) error {
	return s.ApplyFailedShardInfo(id, nodeID,
		routing.NewUnassignedInfoAt(routing.ReasonAllocationFailed, message, failure, time.Now().UnixMilli(), 0))
}

// ApplyFailedShardInfo is ApplyFailedShard with the info built by the
// reporting node. Its wall-clock time is kept; the monotonic time is
// restamped here. Only ALLOCATION_FAILED infos are accepted.
func (s *AllocationService) ApplyFailedShardInfo(id routing.ShardID, nodeID string, reported *routing.UnassignedInfo) error {
	if reported == nil || reported.Reason() != routing.ReasonAllocationFailed {
		return errors.Wrap(command.ErrInvalidArgument, "shard failure must carry reason ALLOCATION_FAILED")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, err := s.copyOn(id, nodeID)
	if err != nil {
		return err
	}
	info := routing.NewUnassignedInfoAt(routing.ReasonAllocationFailed, reported.Message(), reported.Failure(),
		reported.UnassignedTimeMillis(), s.nanoTime())
	if err := s.routingNodes.Fail(shard.Key(), nodeID, info); err != nil {
		return err
	}
	s.gateway.ApplyFailedShard(shard)
	s.logger.Warn("shard failed", "shard", id.String(), "node", nodeID, "message", info.Message(), "error", info.Failure())
	s.reroute(ReasonShardFailed)
	return nil
}

func (s *AllocationService) copyOn(id routing.ShardID, nodeID string) (routing.ShardRouting, error) {
	node, ok := s.routingNodes.Node(nodeID)
	if !ok {
		return routing.ShardRouting{}, errors.Wrapf(cluster.ErrUnknownNode, "[%s]", nodeID)
	}
	shard, ok := node.GetByShardID(id)
	if !ok {
		return routing.ShardRouting{}, errors.Wrapf(routing.ErrShardNotFound, "%s on node [%s]", id, nodeID)
	}
	return shard, nil
}

// ExecuteCommands applies operator commands and reroutes.
//
// Commands run on a copy of the routing table that replaces the live one
// only when every command succeeded and dryRun is false. With explain set,
// rejected commands report their decisions instead of failing.
//
// Returns:
//   - the explanations of the commands executed
//   - the resulting cluster state, applied or not
//   - the first command error
func (s *AllocationService) ExecuteCommands(cmds *command.Commands, explain, dryRun bool) (*command.RoutingExplanations, ClusterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rn := s.routingNodes.Clone()
	rn.Unassigned().ResetIgnored()
	alloc := s.newAllocation(rn)
	alloc.SetDebug(explain)

	explanations, err := cmds.Execute(alloc, explain)
	// Execute stops at the first failure; commands after it never ran.
	executed := len(explanations.Explanations())
	for i, cmd := range cmds.Commands() {
		switch {
		case i < executed:
			s.metrics.Commands.WithLabelValues(cmd.Name(), "ok").Inc()
		case i == executed && err != nil:
			s.metrics.Commands.WithLabelValues(cmd.Name(), "error").Inc()
		}
	}
	if err != nil {
		return explanations, s.state(s.routingNodes), err
	}

	alloc.SetDebug(false)
	s.allocate(alloc, ReasonCommands, time.Now())
	if dryRun {
		return explanations, s.state(rn), nil
	}
	s.routingNodes = rn
	s.version++
	s.afterPass(alloc)
	return explanations, s.state(rn), nil
}

// Reroute runs one allocation pass and reports whether the table changed.
func (s *AllocationService) Reroute(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reroute(reason)
}

func (s *AllocationService) reroute(reason string) bool {
	start := time.Now()
	s.routingNodes.Unassigned().ResetIgnored()
	alloc := s.newAllocation(s.routingNodes)
	changed := s.allocate(alloc, reason, start)
	s.version++
	s.afterPass(alloc)
	return changed
}

func (s *AllocationService) newAllocation(rn *routing.RoutingNodes) *allocation.RoutingAllocation {
	return allocation.NewRoutingAllocation(s.deciders, rn, s.nodes, s.metadata, s.cfg.Cluster, s.clusterInfo, s.nanoTime())
}

// allocate is the body of a pass: refresh delays, let the store-aware
// allocators go first and hand whatever is left to the balanced allocator.
func (s *AllocationService) allocate(alloc *allocation.RoutingAllocation, reason string, start time.Time) bool {
	delayed := allocation.RefreshDelays(alloc)
	changed := s.gateway.AllocateUnassigned(alloc)
	changed = s.balanced.Allocate(alloc) || changed

	s.metrics.Reroutes.WithLabelValues(reason, strconv.FormatBool(changed)).Inc()
	s.metrics.RerouteDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("reroute", "reason", reason, "changed", changed, "delayed", delayed,
		"pending_fetch", alloc.HasPendingAsyncFetch(), "took", time.Since(start))
	return changed
}

// afterPass schedules the next delayed reroute and updates the gauges.
func (s *AllocationService) afterPass(alloc *allocation.RoutingAllocation) {
	if next := routing.FindNextDelayedAllocationIn(alloc.RoutingNodes()); next > 0 {
		s.scheduler.Schedule(next, ReasonDelayedExpired)
	}
	s.metrics.observeTable(alloc.RoutingNodes(), s.nodes.Len(), alloc.HasPendingAsyncFetch())
	if err := alloc.RoutingNodes().Validate(); err != nil {
		if s.cfg.StrictInvariants {
			panic(fmt.Sprintf("routing table invalid after pass: %v", err))
		}
		s.logger.Error("routing table invalid after pass", "error", err)
	}
}

// ClusterState is a point-in-time rendering of the cluster.
type ClusterState struct {
	Version            int64                   `json:"version"`
	Nodes              []cluster.DiscoveryNode `json:"nodes"`
	Indices            []routing.IndexMetadata `json:"indices"`
	RoutingTable       routing.TableView       `json:"routing_table"`
	DelayedUnassigned  int                     `json:"delayed_unassigned_shards"`
	NextDelayedReroute string                  `json:"next_delayed_reroute,omitempty"`
}

// State snapshots the cluster.
func (s *AllocationService) State() ClusterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(s.routingNodes)
}

func (s *AllocationService) state(rn *routing.RoutingNodes) ClusterState {
	st := ClusterState{
		Version:           s.version,
		Nodes:             s.nodes.All(),
		Indices:           s.metadata.Indices(),
		RoutingTable:      rn.View(),
		DelayedUnassigned: routing.NumberOfDelayedUnassigned(rn),
	}
	if next := routing.FindNextDelayedAllocationIn(rn); next > 0 {
		st.NextDelayedReroute = next.String()
	}
	return st
}

// Nodes returns the current members.
func (s *AllocationService) Nodes() []cluster.DiscoveryNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.All()
}

// Shard returns the copy with the given key.
func (s *AllocationService) Shard(k routing.ShardKey) (routing.ShardRouting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routingNodes.Get(k)
}

// ShardsOn returns the copies assigned to a node as the node sees them.
func (s *AllocationService) ShardsOn(nodeID string) []routing.ShardRouting {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.routingNodes.Node(nodeID)
	if !ok {
		return nil
	}
	return node.Shards()
}
