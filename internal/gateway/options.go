package gateway

import (
	"log/slog"
	"time"

	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
)

// options configures the allocators and the fetcher (internal only).
type options struct {
	logger       *slog.Logger
	strict       bool
	fetchTimeout time.Duration
	cacheSize    int
	onFetched    func(routing.ShardID)
}

func defaultOptions() options {
	return options{
		logger:       logging.Discard(),
		fetchTimeout: 5 * time.Second,
		cacheSize:    4096,
	}
}

// Option is a functional option for the gateway components.
type Option func(*options)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrDiscard(logger)
	}
}

// WithStrict makes broken invariants panic instead of deferring the shard.
// Tests run strict.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithFetchTimeout bounds a single node listing request.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithCacheSize bounds the number of shards with cached fetch state.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithOnFetched registers a hook called after a node listing arrives or
// fails. The coordinator uses it to schedule a reroute.
func WithOnFetched(fn func(routing.ShardID)) Option {
	return func(o *options) {
		o.onFetched = fn
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
