package bot

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lchbot/pkg/config"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ConfigDir = filepath.Join(dir, "config")
	cfg.Plugin.PluginsDir = filepath.Join(dir, "plugins")
	cfg.MasterQQ = []int64{1}
	cfg.WebSocket.Port = 1 // never dialed in these tests

	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.gateway.Close()
	})
	return rt
}

func getJSON(t *testing.T, srv *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, path)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), path)
	return out
}

func TestRuntimeConstructionRegistersAIPlugin(t *testing.T) {
	rt := testRuntime(t)
	assert.Equal(t, 1, rt.host.Count())
	descs := rt.host.Descriptors()
	assert.Equal(t, AIPluginName, descs[0].Name)
}

func TestHandleInboundRecordsMessageAndDispatches(t *testing.T) {
	rt := testRuntime(t)

	rt.handleInbound(`{
		"post_type": "message", "message_type": "group",
		"group_id": 100, "user_id": 7, "self_id": 10001, "time": 1700000000,
		"raw_message": "morning", "message": "morning",
		"sender": {"user_id": 7, "nickname": "alice"}
	}`)

	recent := rt.store.Recent("g_100", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "user", recent[0].Role)
	assert.Equal(t, "morning", recent[0].Content)
	assert.Equal(t, "alice", recent[0].SenderName)

	spans := rt.tracer.Spans()
	require.NotEmpty(t, spans)
}

func TestHandleInboundRoutesEchoToGateway(t *testing.T) {
	rt := testRuntime(t)

	// An echo payload must not decode into an event or touch the store.
	rt.handleInbound(`{"status":"ok","retcode":0,"data":{},"echo":"lchbot_99"}`)
	assert.Zero(t, rt.store.Count("g_100"))
}

func TestHandleInboundIgnoresGarbage(t *testing.T) {
	rt := testRuntime(t)
	rt.handleInbound(`not json`)
	rt.handleInbound(`[1,2,3]`)
	rt.handleInbound(`{"post_type":"brand_new_type"}`)
}

func TestMetaEventsNotDispatched(t *testing.T) {
	rt := testRuntime(t)
	rt.handleInbound(`{"post_type":"meta_event","meta_event_type":"heartbeat","interval":5000}`)
	// No message recorded.
	assert.Zero(t, rt.store.Count("g_0"))
}

func TestAdminEndpoints(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	stats := getJSON(t, srv, "/api/stats")
	assert.Equal(t, float64(1), stats["total_plugins"])
	assert.Equal(t, float64(0), stats["total_calls"])

	plugins := getJSON(t, srv, "/api/plugins")
	list := plugins["plugins"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, AIPluginName, first["name"])
	assert.Equal(t, "builtin", first["origin"])
	assert.Equal(t, true, first["enabled"])

	personas := getJSON(t, srv, "/api/personalities")
	assert.Equal(t, "default", personas["current"])

	cacheStats := getJSON(t, srv, "/api/cache")
	assert.Contains(t, cacheStats, "hit_rate")

	sandboxView := getJSON(t, srv, "/api/sandbox")
	assert.Contains(t, sandboxView, "plugins")

	perms := getJSON(t, srv, "/api/permissions")
	owners := perms["owners"].([]any)
	assert.Equal(t, float64(1), owners[0])

	traces := getJSON(t, srv, "/api/traces")
	assert.Contains(t, traces, "spans")
	jaeger := getJSON(t, srv, "/api/traces/jaeger")
	assert.Contains(t, jaeger, "data")

	metricsJSON := getJSON(t, srv, "/api/metrics")
	assert.Contains(t, metricsJSON, "uptime_seconds")
}

func TestAdminPluginMutations(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/plugins/ai_chat/disable", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plugins := getJSON(t, srv, "/api/plugins")
	first := plugins["plugins"].([]any)[0].(map[string]any)
	assert.Equal(t, false, first["enabled"])

	resp, err = http.Post(srv.URL+"/api/plugins/nope/enable", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "error")
}

func TestAdminPromMetricsEndpoint(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	rt.handleInbound(`{
		"post_type": "message", "message_type": "private",
		"user_id": 7, "message": "x", "raw_message": "x",
		"sender": {"user_id": 7, "nickname": "n"}
	}`)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	body := string(raw)
	assert.Contains(t, body, "# TYPE uptime_seconds gauge")
	assert.Contains(t, body, `messages_total{group="0",type="private"} 1`)
}

func TestAdminStatusPage(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(raw), "lchbot")
}

func TestAdminContextEndpoint(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	require.NoError(t, rt.store.Append("g_100", "user", "the quick brown fox", "alice", 7))
	require.NoError(t, rt.store.Append("g_100", "user", "sleepy dog", "bob", 8))

	recent := getJSON(t, srv, "/api/context/g_100")
	assert.Len(t, recent["messages"].([]any), 2)

	byKeyword := getJSON(t, srv, "/api/context/g_100?q=quick")
	msgs := byKeyword["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "the quick brown fox", msgs[0].(map[string]any)["content"])

	bySender := getJSON(t, srv, "/api/context/g_100?sender=bob")
	msgs = bySender["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sleepy dog", msgs[0].(map[string]any)["content"])

	byTime := getJSON(t, srv, "/api/context/g_100?from=1")
	assert.Len(t, byTime["messages"].([]any), 2)
}

func TestAdminCORSHeader(t *testing.T) {
	rt := testRuntime(t)
	srv := httptest.NewServer(rt.adminRouter())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
