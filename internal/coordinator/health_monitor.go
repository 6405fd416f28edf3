package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/logging"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth is the probe record of one member. Callers always receive
// copies.
type NodeHealth struct {
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
}

// HealthMonitor is the coordinator's failure detector. Every interval it
// probes each member that has an address; a member failing maxFailures
// probes in a row is handed to the unhealthy callback once, which the
// coordinator wires to RemoveNode so the member's replicas enter delayed
// allocation. A member that answers again is marked healthy and may be
// reported again on its next run of failures.
//
// Members without an address live in-process and are never probed.
// All methods are safe for concurrent use.
type HealthMonitor struct {
	interval    time.Duration
	maxFailures int
	client      *http.Client
	logger      *slog.Logger

	mu          sync.RWMutex
	nodes       map[string]*NodeHealth
	probe       func(addr string) error
	onUnhealthy func(nodeID string)

	stop     chan struct{}
	stopOnce sync.Once
	running  sync.WaitGroup
}

// NewHealthMonitor returns a monitor probing every interval. maxFailures
// below one is raised to one.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3, logger)
//	monitor.SetOnUnhealthy(func(id string) { _ = svc.RemoveNode(id) })
//	go monitor.Start(ctx, svc.Nodes)
func NewHealthMonitor(interval time.Duration, maxFailures int, logger *slog.Logger) *HealthMonitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &HealthMonitor{
		interval:    interval,
		maxFailures: maxFailures,
		client:      &http.Client{Timeout: 2 * time.Second},
		logger:      logging.OrDiscard(logger).With("component", "health-monitor"),
		nodes:       make(map[string]*NodeHealth),
		stop:        make(chan struct{}),
	}
}

// SetOnUnhealthy registers the callback run when a member crosses the
// failure threshold. It runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(probe func(addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probe = probe
}

// Start probes the members returned by members until ctx is done or Stop
// is called. It blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, members func() []cluster.DiscoveryNode) {
	h.running.Add(1)
	defer h.running.Done()
	if ctx == nil {
		ctx = context.Background()
	}

	h.logger.Info("health monitor started", "interval", h.interval, "max_failures", h.maxFailures)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.checkAllNodes(members())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", "cause", "context")
			return
		case <-h.stop:
			h.logger.Info("health monitor stopping", "cause", "stop")
			return
		}
	}
}

// Stop ends Start and waits for it to return. It may be called more than
// once.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.running.Wait()
}

// checkAllNodes probes the members concurrently, records the outcomes and
// forgets members that are gone.
func (h *HealthMonitor) checkAllNodes(members []cluster.DiscoveryNode) {
	h.mu.RLock()
	probe := h.probe
	h.mu.RUnlock()
	if probe == nil {
		probe = h.defaultHealthCheck
	}

	type outcome struct {
		id  string
		err error
	}
	outcomes := make(chan outcome, len(members))
	var wg sync.WaitGroup
	present := make(map[string]struct{}, len(members))
	for _, m := range members {
		present[m.ID] = struct{}{}
		if m.Addr == "" {
			continue
		}
		wg.Add(1)
		go func(m cluster.DiscoveryNode) {
			defer wg.Done()
			outcomes <- outcome{id: m.ID, err: probe(m.Addr)}
		}(m)
	}
	wg.Wait()
	close(outcomes)

	now := time.Now()
	var lost []string
	h.mu.Lock()
	for o := range outcomes {
		if h.record(o.id, o.err, now) {
			lost = append(lost, o.id)
		}
	}
	for id := range h.nodes {
		if _, ok := present[id]; !ok {
			delete(h.nodes, id)
		}
	}
	callback := h.onUnhealthy
	h.mu.Unlock()

	if callback == nil {
		return
	}
	for _, id := range lost {
		go callback(id)
	}
}

// record applies one probe result and reports whether the member just
// crossed the failure threshold. h.mu must be held.
func (h *HealthMonitor) record(id string, err error, now time.Time) bool {
	health, ok := h.nodes[id]
	if !ok {
		health = &NodeHealth{NodeID: id, Status: StatusUnknown, LastHealthy: now}
		h.nodes[id] = health
	}
	health.LastCheck = now

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", "node", id)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = now
		return false
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed", "node", id,
		"attempt", health.ConsecutiveFails, "max", h.maxFailures, "error", err)
	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return false
	}
	health.Status = StatusUnhealthy
	h.logger.Warn("node marked unhealthy", "node", id, "failures", health.ConsecutiveFails)
	return true
}

// defaultHealthCheck GETs the member's /health endpoint. addr may be a bare
// host:port, a base URL, or the full /health URL.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.client.Get(url)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the record of nodeID, or nil when the
// member is not tracked.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every record keyed by node id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		out[id] = &c
	}
	return out
}

// IsHealthy reports whether the last probe of nodeID succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
