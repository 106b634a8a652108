package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/config"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/testutil"
)

type testGateway struct {
	api     *APIServer
	server  *httptest.Server
	mr      *miniredis.Miniredis
	journal *Journal
	cfg     *config.Config
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	b, mr := testutil.NewBroker(t)
	cfg := config.NewDefaultConfig()
	cfg.Client.RetryCount = 1
	cfg.Client.TimeoutSec = 2

	journal, err := OpenJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	api := NewAPIServer(b, cfg, journal)
	server := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		server.Close()
		api.Stop(context.Background())
	})
	return &testGateway{api: api, server: server, mr: mr, journal: journal, cfg: cfg}
}

func (g *testGateway) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

// serveOnce answers the next command on sv-<name> with reply
func serveOnce(t *testing.T, mr *miniredis.Miniredis, name, reply string) {
	t.Helper()

	mr.HSet("hb-"+name, "status", "ready")
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			raw, err := mr.Lpop("sv-" + name)
			if err == nil {
				reskey := strings.Fields(raw)[1]
				mr.Lpush(reskey, reply)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	g.mr.Close()
	resp, body = g.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])
}

func TestListServicesEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.mr.HSet("hb-worker1", "status", "ready", "receive_cnt", "4")

	resp, body := g.do(t, "GET", "/api/v1/services", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	services := body["services"].([]any)
	first := services[0].(map[string]any)
	assert.Equal(t, "worker1", first["svname"])
}

func TestSendCommandEndpoint(t *testing.T) {
	g := newTestGateway(t)

	t.Run("success", func(t *testing.T) {
		serveOnce(t, g.mr, "worker1", `{"success":{"data":"pong"}}`)

		resp, body := g.do(t, "POST", "/api/v1/services/worker1/commands", map[string]any{"command": "ping"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		success := body["success"].(map[string]any)
		assert.Equal(t, "pong", success["data"])
		assert.Len(t, success["performance"], 2)
	})

	t.Run("service not found", func(t *testing.T) {
		resp, body := g.do(t, "POST", "/api/v1/services/ghost/commands", map[string]any{
			"command":     "ping",
			"retry_count": 1,
		})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "Service 'ghost' not found.", body["error"])
	})

	t.Run("nowait", func(t *testing.T) {
		g.mr.HSet("hb-worker2", "status", "ready")

		resp, body := g.do(t, "POST", "/api/v1/services/worker2/commands", map[string]any{
			"command": "ping",
			"params":  []string{"a"},
			"nowait":  true,
		})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, true, body["queued"])

		require.Eventually(t, func() bool {
			items, _ := g.mr.List("sv-worker2")
			return len(items) == 1 && items[0] == "ping - a"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("bad requests", func(t *testing.T) {
		resp, _ := g.do(t, "POST", "/api/v1/services/worker1/commands", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		req, err := http.NewRequest("POST", g.server.URL+"/api/v1/services/worker1/commands", strings.NewReader("{"))
		require.NoError(t, err)
		raw, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw.Body.Close()
		assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	})

	t.Run("journal", func(t *testing.T) {
		resp, body := g.do(t, "GET", "/api/v1/journal?service=ghost", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		entries := body["entries"].([]any)
		require.Len(t, entries, 1)
		assert.Equal(t, dispatch.KindError, entries[0].(map[string]any)["outcome"])

		resp, body = g.do(t, "GET", "/api/v1/journal", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(3), body["count"])

		resp, _ = g.do(t, "GET", "/api/v1/journal?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStreamEndpoints(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.do(t, "GET", "/api/v1/services/viewer/stream", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := g.do(t, "POST", "/api/v1/services/viewer/stream", map[string]any{"cmd": "text", "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "showimg-viewer", body["success"].(map[string]any)["queue"])

	resp, body = g.do(t, "GET", "/api/v1/services/viewer/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text", body["cmd"])
	assert.Equal(t, "hi", body["text"])

	t.Run("image", func(t *testing.T) {
		src := image.NewGray(image.Rect(0, 0, 3, 2))
		src.SetGray(2, 1, color.Gray{Y: 99})
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, src))

		resp, _ := g.do(t, "POST", "/api/v1/services/viewer/stream", map[string]any{
			"cmd":  "output_image",
			"png":  buf.Bytes(),
			"name": "frame.png",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := g.do(t, "GET", "/api/v1/services/viewer/stream", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		img := body["image"].(map[string]any)
		assert.Equal(t, float64(2), img["height"])
		assert.Equal(t, float64(3), img["width"])
		assert.Equal(t, "frame.png", img["name"])
	})

	t.Run("invalid png", func(t *testing.T) {
		resp, _ := g.do(t, "POST", "/api/v1/services/viewer/stream", map[string]any{"cmd": "output_image", "png": []byte("nope")})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown command", func(t *testing.T) {
		resp, body := g.do(t, "POST", "/api/v1/services/viewer/stream", map[string]any{"cmd": "video"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "Unknown stream command: video", body["warn"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownServicesGetNoClient(t *testing.T) {
	g := newTestGateway(t)

	for _, name := range []string{"ghost1", "ghost2", "ghost3"} {
		resp, body := g.do(t, "POST", "/api/v1/services/"+name+"/commands", map[string]any{"command": "ping"})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "Service '"+name+"' not found.", body["error"])
	}
	assert.Equal(t, 0, g.api.clients.Len())
}

func TestClientCacheIsBounded(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	cfg := config.NewDefaultConfig()
	cfg.Gateway.MaxClients = 2

	api := NewAPIServer(b, cfg, nil)
	t.Cleanup(func() { api.Stop(context.Background()) })

	for _, name := range []string{"w1", "w2", "w3"} {
		mr.HSet("hb-"+name, "status", "ready")
	}

	first := api.client("w1")
	api.client("w2")
	api.client("w3")
	assert.Equal(t, 2, api.clients.Len())
	assert.False(t, api.clients.Contains("w1"))

	// the evicted dispatcher is closed and refuses background sends
	api.closing.Wait()
	opts := dispatch.SendOptionsFromConfig(cfg)
	opts.NoWait = true
	reply := first.SendCommand(context.Background(), "ping", nil, opts)
	assert.Equal(t, "Client is closed.", reply.Message())

	assert.Same(t, api.client("w3"), api.client("w3"))
}
