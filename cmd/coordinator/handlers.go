package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/command"
	"github.com/dreamware/torua/internal/coordinator"
	"github.com/dreamware/torua/internal/routing"
)

type server struct {
	svc      *coordinator.AllocationService
	monitor  *coordinator.HealthMonitor
	registry *prometheus.Registry
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Membership
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("DELETE /nodes/{id}", s.handleRemoveNode)

	// Indices
	mux.HandleFunc("PUT /indices/{index}", s.handleCreateIndex)
	mux.HandleFunc("PUT /indices/{index}/_settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /indices/{index}/_replicas", s.handleAddReplicas)

	// Cluster state and operator commands
	mux.HandleFunc("GET /_cluster/state", s.handleState)
	mux.HandleFunc("POST /_cluster/reroute", s.handleReroute)

	// Shard lifecycle reports from the nodes
	mux.HandleFunc("POST /shards/started", s.handleShardStarted)
	mux.HandleFunc("POST /shards/failed", s.handleShardFailed)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// statusOf maps service errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrIndexNotFound),
		errors.Is(err, cluster.ErrUnknownNode),
		errors.Is(err, routing.ErrShardNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrIndexExists),
		errors.Is(err, command.ErrIllegalState),
		errors.Is(err, routing.ErrIllegalState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Status: status})
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Wrapf(command.ErrInvalidArgument, "bad json: %v", err)
	}
	return nil
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		s.fail(w, errors.Wrap(command.ErrInvalidArgument, "missing id/addr"))
		return
	}
	if err := s.svc.AddNode(req.Node); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Nodes  []cluster.DiscoveryNode            `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health,omitempty"`
	}{Nodes: s.svc.Nodes()}
	if s.monitor != nil {
		resp.Health = s.monitor.GetAllNodeHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveNode(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createIndexRequest struct {
	NumberOfShards   int                   `json:"number_of_shards"`
	NumberOfReplicas int                   `json:"number_of_replicas"`
	Settings         routing.IndexSettings `json:"settings"`
}

func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	req := createIndexRequest{NumberOfShards: 1, NumberOfReplicas: 1}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}
	meta := routing.IndexMetadata{
		Name:             r.PathValue("index"),
		NumberOfShards:   req.NumberOfShards,
		NumberOfReplicas: req.NumberOfReplicas,
		Settings:         req.Settings,
	}
	if err := s.svc.CreateIndex(meta); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings routing.IndexSettings
	if err := decode(r, &settings); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.svc.UpdateIndexSettings(r.PathValue("index"), settings); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAddReplicas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.svc.AddReplicas(r.PathValue("index"), req.Count); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.State())
}

type rerouteResponse struct {
	Acknowledged bool                         `json:"acknowledged"`
	State        coordinator.ClusterState     `json:"state"`
	Explanations *command.RoutingExplanations `json:"explanations,omitempty"`
}

// handleReroute runs operator commands, or a plain reroute when the body is
// empty. Query flags: explain, dry_run.
func (s *server) handleReroute(w http.ResponseWriter, r *http.Request) {
	explain, err := boolParam(r, "explain")
	if err != nil {
		s.fail(w, err)
		return
	}
	dryRun, err := boolParam(r, "dry_run")
	if err != nil {
		s.fail(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, errors.Wrap(command.ErrInvalidArgument, "failed to read body"))
		return
	}
	cmds := command.NewCommands()
	if len(body) > 0 {
		if err := json.Unmarshal(body, cmds); err != nil {
			if !errors.Is(err, command.ErrInvalidArgument) {
				err = errors.Wrapf(command.ErrInvalidArgument, "bad json: %v", err)
			}
			s.fail(w, err)
			return
		}
	}

	explanations, state, err := s.svc.ExecuteCommands(cmds, explain, dryRun)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := rerouteResponse{Acknowledged: true, State: state}
	if explain {
		resp.Explanations = explanations
	}
	writeJSON(w, http.StatusOK, resp)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(command.ErrInvalidArgument, "invalid %s value %q", name, v)
	}
	return b, nil
}

func (s *server) handleShardStarted(w http.ResponseWriter, r *http.Request) {
	var req cluster.ShardStartedRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id := routing.ShardID{Index: req.Index, Shard: req.Shard}
	if err := s.svc.ApplyStartedShard(id, req.Node); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleShardFailed(w http.ResponseWriter, r *http.Request) {
	var req cluster.ShardFailedRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	id := routing.ShardID{Index: req.Index, Shard: req.Shard}
	var err error
	if len(req.Info) > 0 {
		var info routing.UnassignedInfo
		if err := info.UnmarshalBinary(req.Info); err != nil {
			s.fail(w, errors.Wrapf(command.ErrInvalidArgument, "malformed failure info: %v", err))
			return
		}
		err = s.svc.ApplyFailedShardInfo(id, req.Node, &info)
	} else {
		var failure error
		if req.Failure != "" {
			failure = errors.New(req.Failure)
		}
		err = s.svc.ApplyFailedShard(id, req.Node, req.Message, failure)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
