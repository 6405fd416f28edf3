package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/torua/internal/logging"
)

// DelayedRerouteScheduler keeps at most one reroute pending. Asking for an
// earlier reroute replaces the pending one; asking for a later one is a
// no-op, since the pass that runs first reschedules whatever is still
// waiting.
type DelayedRerouteScheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	due     time.Time
	reason  string
	stopped bool

	reroute func(reason string)
	logger  *slog.Logger
}

// NewDelayedRerouteScheduler returns a scheduler calling reroute from its
// own goroutine.
func NewDelayedRerouteScheduler(reroute func(reason string), logger *slog.Logger) *DelayedRerouteScheduler {
	return &DelayedRerouteScheduler{
		reroute: reroute,
		logger:  logging.OrDiscard(logger).With("component", "reroute-scheduler"),
	}
}

// Schedule asks for a reroute after delay. It reports whether the pending
// reroute changed.
func (s *DelayedRerouteScheduler) Schedule(delay time.Duration, reason string) bool {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	due := time.Now().Add(delay)
	if s.timer != nil && !s.due.After(due) {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.due, s.reason = due, reason
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	logging.Trace(s.logger, "scheduled reroute", "in", delay, "reason", reason)
	return true
}

func (s *DelayedRerouteScheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.timer == nil || s.stopped {
		// replaced or stopped after the timer fired
		s.mu.Unlock()
		return
	}
	reason := s.reason
	s.timer = nil
	s.mu.Unlock()

	s.reroute(reason)
}

// Pending returns when the pending reroute is due.
func (s *DelayedRerouteScheduler) Pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.due, true
}

// Stop cancels the pending reroute and refuses new ones.
func (s *DelayedRerouteScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
