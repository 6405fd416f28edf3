package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/gateway"
	"github.com/dreamware/torua/internal/routing"
	"github.com/dreamware/torua/internal/storage"
)

type shardDoc struct {
	Index   string `json:"index"`
	Shard   int    `json:"shard"`
	Copy    int    `json:"copy"`
	Primary bool   `json:"primary"`
	State   string `json:"state"`
	Node    string `json:"node"`
}

type stateDoc struct {
	Version      int64                   `json:"version"`
	Nodes        []cluster.DiscoveryNode `json:"nodes"`
	RoutingTable struct {
		Nodes      map[string][]shardDoc `json:"nodes"`
		Unassigned []shardDoc            `json:"unassigned"`
		Ignored    []shardDoc            `json:"ignored"`
	} `json:"routing_table"`
	DelayedUnassigned  int    `json:"delayed_unassigned_shards"`
	NextDelayedReroute string `json:"next_delayed_reroute"`
}

// find returns the node holding the given copy, or "" when it is unassigned.
func (s stateDoc) find(index string, shard int, primary bool) (string, shardDoc) {
	for node, shards := range s.RoutingTable.Nodes {
		for _, sh := range shards {
			if sh.Index == index && sh.Shard == shard && sh.Primary == primary {
				return node, sh
			}
		}
	}
	return "", shardDoc{}
}

type testServer struct {
	*server
	lister *gateway.LocalLister
}

func testConfig() config {
	return config{
		healthInterval: time.Hour,
		maxFailures:    3,
		delayedTimeout: time.Minute,
		strict:         true,
	}
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, testConfig())
}

func newTestServerWith(t *testing.T, cfg config) *testServer {
	t.Helper()
	lister := gateway.NewLocalLister()
	srv, err := newServer(cfg, lister, nil)
	require.NoError(t, err)
	t.Cleanup(srv.svc.Close)
	return &testServer{server: srv, lister: lister}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.routes().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		ts.lister.Register(id, storage.NewMemoryStore())
		rec := ts.do(t, http.MethodPost, "/register", cluster.RegisterRequest{
			Node: cluster.DiscoveryNode{ID: id, Addr: "http://" + id + ".local"},
		})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	}
}

func (ts *testServer) state(t *testing.T) stateDoc {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/_cluster/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st stateDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func (ts *testServer) started(t *testing.T, index string, shard int, node string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/shards/started",
		cluster.ShardStartedRequest{Index: index, Shard: shard, Node: node})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

// greenLogs registers two nodes and brings a one shard, one replica index
// to STARTED. It returns the nodes holding the primary and the replica.
func (ts *testServer) greenLogs(t *testing.T) (string, string) {
	t.Helper()
	ts.register(t, "n1", "n2")
	rec := ts.do(t, http.MethodPut, "/indices/logs", map[string]int{"number_of_shards": 1, "number_of_replicas": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	primary, p := ts.state(t).find("logs", 0, true)
	require.NotEmpty(t, primary)
	require.Equal(t, "INITIALIZING", p.State)
	ts.started(t, "logs", 0, primary)

	replica, r := ts.state(t).find("logs", 0, false)
	require.NotEmpty(t, replica)
	require.NotEqual(t, primary, replica)
	require.Equal(t, "INITIALIZING", r.State)
	ts.started(t, "logs", 0, replica)
	return primary, replica
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{
			name:           "successful registration",
			body:           cluster.RegisterRequest{Node: cluster.DiscoveryNode{ID: "n1", Addr: "http://localhost:8081"}},
			expectedStatus: http.StatusNoContent,
		},
		{
			name:           "missing id",
			body:           cluster.RegisterRequest{Node: cluster.DiscoveryNode{Addr: "http://localhost:8081"}},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing address",
			body:           cluster.RegisterRequest{Node: cluster.DiscoveryNode{ID: "n2"}},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON body",
			body:           "invalid json",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown field",
			body:           `{"node":{"id":"n1","addr":"http://x"},"extra":1}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/register", tt.body)
			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			registered := len(ts.svc.Nodes()) == 1
			if registered != (tt.expectedStatus == http.StatusNoContent) {
				t.Errorf("registered = %v after status %d", registered, rec.Code)
			}
		})
	}
}

func TestHandleListNodes(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "n1", "n2")

	rec := ts.do(t, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Nodes []cluster.DiscoveryNode `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ids := make([]string, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids)
}

func TestIndexLifecycle(t *testing.T) {
	ts := newTestServer(t)
	primary, replica := ts.greenLogs(t)

	st := ts.state(t)
	_, p := st.find("logs", 0, true)
	_, r := st.find("logs", 0, false)
	assert.Equal(t, "STARTED", p.State)
	assert.Equal(t, "STARTED", r.State)
	assert.Empty(t, st.RoutingTable.Unassigned)
	assert.Positive(t, st.Version)

	// a copy can only be started once
	rec := ts.do(t, http.MethodPost, "/shards/started",
		cluster.ShardStartedRequest{Index: "logs", Shard: 0, Node: primary})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// the replica of a departed node waits for it
	rec = ts.do(t, http.MethodDelete, "/nodes/"+replica, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	st = ts.state(t)
	assert.Equal(t, 1, st.DelayedUnassigned)
	assert.NotEmpty(t, st.NextDelayedReroute)

	// disabling the delay for the index releases it
	rec = ts.do(t, http.MethodPut, "/indices/logs/_settings", `{"delayed_node_left_timeout":"0s"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	st = ts.state(t)
	assert.Zero(t, st.DelayedUnassigned)
	assert.Empty(t, st.NextDelayedReroute)
}

func TestHandleErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.greenLogs(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate index", http.MethodPut, "/indices/logs", nil, http.StatusConflict},
		{"no shards", http.MethodPut, "/indices/empty", `{"number_of_shards":0}`, http.StatusBadRequest},
		{"settings of missing index", http.MethodPut, "/indices/nope/_settings", `{}`, http.StatusNotFound},
		{"bad settings", http.MethodPut, "/indices/logs/_settings", `{"delayed_node_left_timeout":"soon"}`, http.StatusBadRequest},
		{"replicas of missing index", http.MethodPost, "/indices/nope/_replicas", `{"count":1}`, http.StatusNotFound},
		{"zero replicas", http.MethodPost, "/indices/logs/_replicas", `{"count":0}`, http.StatusBadRequest},
		{"remove unknown node", http.MethodDelete, "/nodes/n9", nil, http.StatusNotFound},
		{"started on unknown node", http.MethodPost, "/shards/started", `{"index":"logs","shard":0,"node":"n9"}`, http.StatusNotFound},
		{"started unknown shard", http.MethodPost, "/shards/started", `{"index":"logs","shard":3,"node":"n1"}`, http.StatusNotFound},
		{"failed unknown shard", http.MethodPost, "/shards/failed", `{"index":"web","shard":0,"node":"n1"}`, http.StatusNotFound},
		{"bad explain flag", http.MethodPost, "/_cluster/reroute?explain=maybe", nil, http.StatusBadRequest},
		{"bad dry_run flag", http.MethodPost, "/_cluster/reroute?dry_run=2x", nil, http.StatusBadRequest},
		{"unknown command", http.MethodPost, "/_cluster/reroute", `{"commands":[{"move":{}}]}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/register", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusMethodNotAllowed {
				var resp errorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.want, resp.Status)
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestHandleReroute(t *testing.T) {
	ts := newTestServer(t)
	primary, replica := ts.greenLogs(t)
	ts.register(t, "n3")

	// a plain reroute with no commands is acknowledged
	rec := ts.do(t, http.MethodPost, "/_cluster/reroute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	toN3 := `{"commands":[{"allocate":{"index":"logs","shard":0,"node":"n3"}}]}`
	rec = ts.do(t, http.MethodPost, "/_cluster/reroute", toN3)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "nothing is unassigned yet")

	rec = ts.do(t, http.MethodPost, "/indices/logs/_replicas", `{"count":1}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	// no follow-up passes from here on, the copy moves only by command
	ts.svc.Close()

	// the primary node already holds a copy
	sameShard := `{"commands":[{"allocate":{"index":"logs","shard":0,"node":"` + primary + `"}}]}`
	rec = ts.do(t, http.MethodPost, "/_cluster/reroute?explain=true&dry_run=true", sameShard)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"decision":"NO"`)
	assert.Contains(t, rec.Body.String(), "same_shard")

	rec = ts.do(t, http.MethodPost, "/_cluster/reroute", sameShard)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	before := ts.state(t)
	rec = ts.do(t, http.MethodPost, "/_cluster/reroute?dry_run=true", toN3)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Acknowledged bool     `json:"acknowledged"`
		State        stateDoc `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Acknowledged)
	assert.Len(t, resp.State.RoutingTable.Nodes["n3"], 1)
	assert.Equal(t, before.Version, ts.state(t).Version, "dry run must not apply")
	assert.Empty(t, ts.state(t).RoutingTable.Nodes["n3"])

	rec = ts.do(t, http.MethodPost, "/_cluster/reroute", toN3)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	after := ts.state(t)
	require.Len(t, after.RoutingTable.Nodes["n3"], 1)
	assert.Equal(t, "INITIALIZING", after.RoutingTable.Nodes["n3"][0].State)
	assert.Len(t, after.RoutingTable.Nodes[replica], 1)
	assert.Greater(t, after.Version, before.Version)
}

func TestHandleShardFailed(t *testing.T) {
	ts := newTestServer(t)
	_, replica := ts.greenLogs(t)

	rec := ts.do(t, http.MethodPost, "/shards/failed", cluster.ShardFailedRequest{
		Index: "logs", Shard: 0, Node: replica, Message: "recovery failed", Failure: "disk full",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// once the store listing lands the replica is rebuilt on the only
	// node that may hold it
	require.Eventually(t, func() bool {
		node, r := ts.state(t).find("logs", 0, false)
		return node == replica && r.State == "INITIALIZING"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandleShardFailedInfo(t *testing.T) {
	encode := func(t *testing.T, reason routing.Reason) []byte {
		b, err := routing.NewUnassignedInfoAt(reason, "recovery failed", errors.New("disk full"), time.Now().UnixMilli(), 0).MarshalBinary()
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		info func(t *testing.T) []byte
		want int
	}{
		{"encoded failure", func(t *testing.T) []byte { return encode(t, routing.ReasonAllocationFailed) }, http.StatusNoContent},
		{"wrong reason", func(t *testing.T) []byte { return encode(t, routing.ReasonNodeLeft) }, http.StatusBadRequest},
		{"garbage", func(*testing.T) []byte { return []byte("not tlv") }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			_, replica := ts.greenLogs(t)

			rec := ts.do(t, http.MethodPost, "/shards/failed", cluster.ShardFailedRequest{
				Index: "logs", Shard: 0, Node: replica, Info: tt.info(t),
			})
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusNoContent {
				_, r := ts.state(t).find("logs", 0, false)
				assert.Equal(t, "STARTED", r.State)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.greenLogs(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `torua_allocation_shards{state="STARTED"} 2`)
	assert.Contains(t, body, "torua_cluster_nodes 2")
	assert.True(t, strings.Contains(body, "torua_allocation_reroutes_total"))
	assert.Contains(t, body, "go_goroutines")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestUnhealthyNodeIsRemoved(t *testing.T) {
	cfg := testConfig()
	cfg.healthInterval = 10 * time.Millisecond
	ts := newTestServerWith(t, cfg)
	ts.register(t, "n1", "n2")
	ts.monitor.SetCheckFunction(func(addr string) error {
		if addr == "http://n2.local" {
			return assert.AnError
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.monitor.Start(ctx, ts.svc.Nodes)
	defer ts.monitor.Stop()

	require.Eventually(t, func() bool {
		return len(ts.svc.Nodes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "n1", ts.svc.Nodes()[0].ID)
	assert.True(t, ts.monitor.IsHealthy("n1"))
}
