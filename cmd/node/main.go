// Package main implements the Torua node service, which keeps the catalog
// of shard store listings on disk and reports shard lifecycle events to the
// coordinator.
//
// The node is a worker in the Torua cluster, responsible for:
//   - Serving the listing of the files it holds for a shard copy
//   - Registering with the coordinator
//   - Reporting shard copies as started or failed
//   - Responding to health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health        - Health check        │
//	│    /info          - Node information    │
//	│    /store/*       - Store listings      │
//	│    /shards/*      - Lifecycle reports   │
//	│    /metrics       - Prometheus metrics  │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Node          - Runtime state        │
//	│    storage.Store - Pebble or memory     │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Configuration (flags, defaulting to the environment):
//   - --id / NODE_ID: Unique node identifier (required)
//   - --name / NODE_NAME: Human readable name
//   - --listen / NODE_LISTEN: Listen address (default: ":8081")
//   - --addr / NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - --coordinator / COORDINATOR_ADDR: Coordinator URL (required)
//   - --data-dir / NODE_DATA_DIR: Pebble directory, empty keeps listings in memory
//   - --log-level / LOG_LEVEL: trace, debug, info, warn or error
//
// Example usage:
//
//	# Start node
//	NODE_ID=node-1 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node --data-dir /var/lib/torua/node-1
//
//	# Record the files of a shard copy
//	curl -X PUT localhost:8081/store/logs/0 \
//	  -d '{"sync_id":"s1","files":{"_0.cfs":{"name":"_0.cfs","length":4096,"checksum":"a1"}}}'
//
//	# Tell the coordinator the copy finished recovering
//	curl -X POST localhost:8081/shards/logs/0/started
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

// exit is a variable to allow intercepting process termination in tests.
var exit = os.Exit

// Node represents a data node of the cluster: its identity, the catalog of
// shard store listings it holds and its link to the coordinator.
//
// Concurrency model:
//   - The store handles its own synchronization
//   - Identity fields are immutable after creation
type Node struct {
	// Info is how the node presents itself to the coordinator.
	Info cluster.DiscoveryNode

	// Coordinator is the coordinator base URL. Empty disables reporting.
	Coordinator string

	store    storage.Store
	logger   *slog.Logger
	registry *prometheus.Registry
}

// NewNode creates a node serving listings from store.
//
// Parameters:
//   - info: Identity announced to the coordinator (ID must not be empty)
//   - coordinator: Coordinator base URL
//   - store: Catalog of shard store listings
//   - logger: Structured logger, nil discards output
//
// Example:
//
//	node := NewNode(cluster.DiscoveryNode{ID: "node-1", Addr: "http://localhost:8081"},
//	    "http://localhost:8080", storage.NewMemoryStore(), logger)
func NewNode(info cluster.DiscoveryNode, coordinator string, store storage.Store, logger *slog.Logger) *Node {
	logger = logging.OrDiscard(logger).With("node", info.ID)
	registry := prometheus.NewRegistry()
	registry.MustRegister(storage.NewStoreCollector(store, info.ID, logger))
	return &Node{
		Info:        info,
		Coordinator: strings.TrimRight(coordinator, "/"),
		store:       store,
		logger:      logger,
		registry:    registry,
	}
}

// routes builds the HTTP API of the node.
func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for the coordinator's monitor
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", n.handleInfo)

	// Store listings, read by the coordinator's fetcher
	mux.HandleFunc("GET /store", n.handleListStores)
	mux.HandleFunc("GET /store/{index}/{shard}", n.handleGetStore)
	mux.HandleFunc("PUT /store/{index}/{shard}", n.handlePutStore)
	mux.HandleFunc("DELETE /store/{index}/{shard}", n.handleDeleteStore)

	// Lifecycle reports forwarded to the coordinator
	mux.HandleFunc("POST /shards/{index}/{shard}/started", n.handleStarted)
	mux.HandleFunc("POST /shards/{index}/{shard}/failed", n.handleFailed)

	mux.Handle("GET /metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// shardFromPath reads the {index} and {shard} path values.
func shardFromPath(r *http.Request) (routing.ShardID, error) {
	index := r.PathValue("index")
	shard, err := strconv.Atoi(r.PathValue("shard"))
	if err != nil || shard < 0 {
		return routing.ShardID{}, errors.Errorf("invalid shard number %q", r.PathValue("shard"))
	}
	if index == "" {
		return routing.ShardID{}, errors.New("index is required")
	}
	return routing.ShardID{Index: index, Shard: shard}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleGetStore returns the listing of one shard copy.
//
// Endpoint: GET /store/{index}/{shard}
//
// Response:
//   - 200 OK: StoreFilesMetaData JSON
//   - 404 Not Found: No data for the shard on this node
//   - 400 Bad Request: Invalid shard number
//
// The coordinator treats 404 as "no data here", which lets a replica be
// placed on a node holding nothing only after its delay expired.
func (n *Node) handleGetStore(w http.ResponseWriter, r *http.Request) {
	id, err := shardFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	meta, err := n.store.Get(id)
	if errors.Is(err, storage.ErrShardNotFound) {
		http.Error(w, "no store for "+id.String(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handlePutStore records the file listing of a shard copy. The shard in the
// path wins over any shard id in the body.
//
// Endpoint: PUT /store/{index}/{shard}
//
// Response:
//   - 204 No Content: Listing stored
//   - 400 Bad Request: Invalid path or body
//   - 500 Internal Server Error: Storage backend error
func (n *Node) handlePutStore(w http.ResponseWriter, r *http.Request) {
	id, err := shardFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var meta storage.StoreFilesMetaData
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	meta.ShardID = id
	for name, f := range meta.Files {
		if f.Name == "" {
			f.Name = name
			meta.Files[name] = f
		}
	}
	if err := n.store.Put(meta); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n.logger.Debug("stored shard listing", "shard", id.String(), "files", len(meta.Files), "sync_id", meta.SyncID)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteStore drops the listing of a shard copy. Deleting a missing
// listing succeeds.
//
// Endpoint: DELETE /store/{index}/{shard}
func (n *Node) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	id, err := shardFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.store.Delete(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListStores lists the shards with a listing on this node.
//
// Endpoint: GET /store
//
// Response body:
//
//	{"shards": [{"index": "logs", "shard": 0}], "count": 1}
func (n *Node) handleListStores(w http.ResponseWriter, _ *http.Request) {
	ids, err := n.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []routing.ShardID{}
	}
	writeJSON(w, http.StatusOK, struct {
		Shards []routing.ShardID `json:"shards"`
		Count  int               `json:"count"`
	}{Shards: ids, Count: len(ids)})
}

// handleInfo returns the identity of the node and its store statistics.
//
// Endpoint: GET /info
func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	stats, err := n.store.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Node  cluster.DiscoveryNode `json:"node"`
		Store storage.StoreStats    `json:"store"`
	}{Node: n.Info, Store: stats})
}

// handleStarted reports a shard copy on this node as started.
//
// Endpoint: POST /shards/{index}/{shard}/started
//
// Response:
//   - 204 No Content: Coordinator accepted the report
//   - 502 Bad Gateway: Coordinator refused or could not be reached
func (n *Node) handleStarted(w http.ResponseWriter, r *http.Request) {
	id, err := shardFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := cluster.ShardStartedRequest{Index: id.Index, Shard: id.Shard, Node: n.Info.ID}
	if err := n.report(r.Context(), "/shards/started", req); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFailed reports a shard copy on this node as failed.
//
// Endpoint: POST /shards/{index}/{shard}/failed
//
// Request body (optional):
//
//	{"message": "recovery failed", "failure": "disk full"}
func (n *Node) handleFailed(w http.ResponseWriter, r *http.Request) {
	id, err := shardFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		Message string `json:"message"`
		Failure string `json:"failure"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}
	var failure error
	if body.Failure != "" {
		failure = errors.New(body.Failure)
	}
	info, err := routing.NewUnassignedInfoAt(routing.ReasonAllocationFailed, body.Message, failure,
		time.Now().UnixMilli(), routing.NanoTime()).MarshalBinary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req := cluster.ShardFailedRequest{
		Index:   id.Index,
		Shard:   id.Shard,
		Node:    n.Info.ID,
		Message: body.Message,
		Failure: body.Failure,
		Info:    info,
	}
	if err := n.report(r.Context(), "/shards/failed", req); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) report(ctx context.Context, path string, body any) error {
	if n.Coordinator == "" {
		return errors.New("no coordinator configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cluster.PostJSON(ctx, n.Coordinator+path, body, nil); err != nil {
		return errors.Wrapf(err, "report to coordinator %s", path)
	}
	return nil
}

// register attempts to register the node with the coordinator, retrying on
// failure to handle coordinator startup delays or temporary network issues.
//
// Retry strategy:
//   - attempts tries at most
//   - wait between attempts
//   - Stops early when ctx is done
//
// Returns:
//   - nil once the coordinator accepted the node
//   - the last error otherwise
func (n *Node) register(ctx context.Context, attempts int, wait time.Duration) error {
	body := cluster.RegisterRequest{Node: n.Info}
	var lastErr error

	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, n.Coordinator+"/register", body, nil)
		if lastErr == nil {
			n.logger.Info("registered with coordinator", "coordinator", n.Coordinator)
			return nil
		}
		n.logger.Warn("register retry", "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return errors.Wrap(lastErr, "failed to register with coordinator")
}

// config is the resolved command line of the node.
type config struct {
	id          string
	name        string
	listen      string
	addr        string
	coordinator string
	dataDir     string
	logLevel    string
	roles       []string
}

// openStore opens the pebble catalog under dataDir, or a memory store when
// dataDir is empty.
func openStore(dataDir string) (storage.Store, error) {
	if dataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenPebbleStore(dataDir, storage.PebbleOptions{})
}

// run serves the node until ctx is done.
//
// The run function:
//  1. Opens the store
//  2. Starts the HTTP server
//  3. Registers with the coordinator (with retries)
//  4. Serves requests until shutdown
//  5. Performs graceful shutdown
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	store, err := openStore(cfg.dataDir)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	roles := make([]cluster.Role, 0, len(cfg.roles))
	for _, r := range cfg.roles {
		roles = append(roles, cluster.Role(r))
	}
	node := NewNode(cluster.DiscoveryNode{ID: cfg.id, Name: cfg.name, Addr: cfg.addr, Roles: roles},
		cfg.coordinator, store, logger)

	s := &http.Server{
		Addr:              cfg.listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening", "listen", cfg.listen, "public", cfg.addr, "data_dir", cfg.dataDir)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if err := node.register(ctx, 10, 400*time.Millisecond); err != nil {
		_ = s.Close()
		return err
	}

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	logger.Info("node stopped")
	return nil
}

// newRootCommand builds the node command line. Every flag defaults to its
// environment variable.
func newRootCommand() *cobra.Command {
	var cfg config
	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run a Torua data node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.id == "" {
				return errors.New("missing node id (--id or NODE_ID)")
			}
			if cfg.coordinator == "" {
				return errors.New("missing coordinator address (--coordinator or COORDINATOR_ADDR)")
			}
			logger := logging.New(cfg.logLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.id, "id", getenv("NODE_ID", ""), "unique node id")
	f.StringVar(&cfg.name, "name", getenv("NODE_NAME", ""), "human readable node name")
	f.StringVar(&cfg.listen, "listen", getenv("NODE_LISTEN", ":8081"), "listen address")
	f.StringVar(&cfg.addr, "addr", getenv("NODE_ADDR", "http://127.0.0.1:8081"), "public address announced to the coordinator")
	f.StringVar(&cfg.coordinator, "coordinator", getenv("COORDINATOR_ADDR", ""), "coordinator base URL")
	f.StringVar(&cfg.dataDir, "data-dir", getenv("NODE_DATA_DIR", ""), "pebble directory for store listings, empty keeps them in memory")
	f.StringVar(&cfg.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "trace, debug, info, warn or error")
	f.StringSliceVar(&cfg.roles, "roles", nil, "node roles, empty means data")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		exit(1)
	}
}

// getenv retrieves an environment variable with a default fallback value.
//
// Example:
//
//	listen := getenv("NODE_LISTEN", ":8081")
//	// Returns $NODE_LISTEN if set, otherwise ":8081"
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
