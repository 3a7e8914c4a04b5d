// ABOUTME: End-to-end tests for the HTTP request path through a running mux.
// ABOUTME: httptest servers stand in for capability backends.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/protocol"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend simulates a capability server: /health reflects the healthy
// flag, /mcp answers JSON-RPC.
type fakeBackend struct {
	id      string
	healthy atomic.Bool
	srv     *httptest.Server
	calls   atomic.Int64
}

func newFakeBackend(t *testing.T, id string, tools []string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{id: id}
	b.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if b.healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		req, errResp := protocol.Parse(body)
		if errResp != nil {
			_ = json.NewEncoder(w).Encode(errResp)
			return
		}

		// Hand-written bodies exercise the relay's byte fidelity.
		switch req.Method {
		case "edge/null":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":null}`, req.ID)
			return
		case "edge/bignum":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"count":9007199254740993}}`, req.ID)
			return
		}

		var resp *protocol.Response
		switch req.Method {
		case "tools/list":
			items := make([]map[string]any, 0, len(tools))
			for _, name := range tools {
				items = append(items, map[string]any{"name": name})
			}
			resp = protocol.NewResult(req.ID, map[string]any{"tools": items})
		case "fail/always":
			resp = protocol.NewError(req.ID, -32050, "backend says no", nil)
		default:
			resp = protocol.NewResult(req.ID, map[string]any{"servedBy": id, "auth": r.Header.Get("Authorization")})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

type testEnv struct {
	gw      *Gateway
	srv     *httptest.Server
	weather *fakeBackend
	files   *fakeBackend
}

// newTestEnv builds a gateway over two fake backends and serves its mux.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	weather := newFakeBackend(t, "weather", []string{"get-forecast", "get-alerts"})
	files := newFakeBackend(t, "files", []string{"read-file"})

	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "localhost:0"},
		Auth:   config.AuthConfig{JWTSecret: strings.Repeat("s", 32)},
		Sessions: config.SessionsConfig{
			MaxConcurrent: 100,
			IdleTimeout:   config.DefaultSessionIdleTimeout,
			SweepInterval: config.DefaultSessionSweep,
			TokenTTL:      config.DefaultSessionTokenTTL,
		},
		Backends: []config.BackendConfig{
			{
				ID:                  "weather",
				BaseURL:             weather.srv.URL,
				Capabilities:        []string{"get-forecast", "get-alerts"},
				HealthCheckInterval: config.DefaultHealthCheckInterval,
			},
			{
				ID:                  "files",
				BaseURL:             files.srv.URL,
				Capabilities:        []string{"read-file"},
				HealthCheckInterval: config.DefaultHealthCheckInterval,
				RequiresAuth:        true,
				APIKey:              "files-key",
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	require.NoError(t, gw.backends.Start(context.Background()))
	t.Cleanup(gw.backends.Stop)
	t.Cleanup(gw.sessions.Close)

	srv := httptest.NewServer(gw.routes())
	t.Cleanup(srv.Close)

	return &testEnv{gw: gw, srv: srv, weather: weather, files: files}
}

// postJSONRPC sends a body to the given path and decodes the response.
func (e *testEnv) postJSONRPC(t *testing.T, path, body string) (*http.Response, *protocol.Response) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp, nil
	}
	var rpc protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	return resp, &rpc
}

func TestGateway_Initialize(t *testing.T) {
	env := newTestEnv(t, nil)

	httpResp, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.Nil(t, rpc.Error)

	result, ok := rpc.Result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, result["protocolVersion"])
	assert.Contains(t, result, "capabilities")
	// No backend is contacted for protocol methods.
	assert.Zero(t, env.weather.calls.Load())
}

func TestGateway_Ping(t *testing.T) {
	env := newTestEnv(t, nil)

	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	require.Nil(t, rpc.Error)
	assert.Equal(t, `"p1"`, string(rpc.ID))
}

func TestGateway_RoutesToOwningBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	_, rpc := env.postJSONRPC(t, "/mcp",
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"get-forecast","arguments":{}}}`)
	require.Nil(t, rpc.Error)
	assert.Equal(t, `7`, string(rpc.ID))

	result := rpc.Result.(map[string]any)
	assert.Equal(t, "weather", result["servedBy"])
	assert.Equal(t, int64(1), env.weather.calls.Load())
	assert.Zero(t, env.files.calls.Load())
}

func TestGateway_OutboundBackendAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	_, rpc := env.postJSONRPC(t, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read-file"}}`)
	require.Nil(t, rpc.Error)

	result := rpc.Result.(map[string]any)
	assert.Equal(t, "files", result["servedBy"])
	assert.Equal(t, "Bearer files-key", result["auth"])
}

func TestGateway_UnknownCapability(t *testing.T) {
	env := newTestEnv(t, nil)

	httpResp, rpc := env.postJSONRPC(t, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"no-such-tool"}}`)
	// JSON-RPC errors still ride HTTP 200.
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, rpc.Error.Code)
	assert.Equal(t, "no-such-tool", rpc.Error.Data)
}

func TestGateway_UnhealthyBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	env.weather.healthy.Store(false)
	env.gw.backends.PerformHealthCheck(context.Background(), "weather")

	_, rpc := env.postJSONRPC(t, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get-forecast"}}`)
	require.NotNil(t, rpc.Error)
	// Known capability on a down backend is internal error, not method-not-found.
	assert.Equal(t, protocol.CodeInternalError, rpc.Error.Code)
	assert.Equal(t, "weather", rpc.Error.Data)
}

func TestGateway_BackendErrorRelayedVerbatim(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Backends[0].Capabilities = append(cfg.Backends[0].Capabilities, "fail/always")
	})

	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"fail/always"}`)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, -32050, rpc.Error.Code)
	assert.Equal(t, "backend says no", rpc.Error.Message)
}

func TestGateway_ParseError(t *testing.T) {
	env := newTestEnv(t, nil)

	httpResp, rpc := env.postJSONRPC(t, "/mcp", `{broken`)
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, protocol.CodeParseError, rpc.Error.Code)
}

func TestGateway_Notification(t *testing.T) {
	env := newTestEnv(t, nil)

	httpResp, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, httpResp.StatusCode)
	assert.Nil(t, rpc)
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_MessagesAlias(t *testing.T) {
	env := newTestEnv(t, nil)

	_, rpc := env.postJSONRPC(t, "/messages",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get-forecast"}}`)
	require.Nil(t, rpc.Error)
	assert.Equal(t, "weather", rpc.Result.(map[string]any)["servedBy"])
}

func TestGateway_SessionCapacity(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Sessions.MaxConcurrent = 1
	})

	// First anonymous request claims the only slot.
	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Nil(t, rpc.Error)

	// The slot is held; the next anonymous caller is rejected, not evicted in.
	httpResp, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, CodeCapacityReached, rpc.Error.Code)
}

func TestGateway_BearerTokenReusesSession(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Sessions.MaxConcurrent = 1
	})

	sess, err := env.gw.sessions.Create("", "http")
	require.NoError(t, err)
	token, err := env.gw.sessions.IssueToken(sess.ID)
	require.NoError(t, err)

	// With the slot already taken, only the token holder can keep talking.
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpc protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	assert.Nil(t, rpc.Error)
	assert.Equal(t, 1, env.gw.sessions.Count())
}

func TestGateway_APIKeyGate(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.APIKey = "gate-key"
	})

	// Without a key the request never reaches the JSON-RPC layer.
	resp, err := http.Post(env.srv.URL+"/mcp", "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/mcp",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "gate-key")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_AggregateToolsList(t *testing.T) {
	env := newTestEnv(t, nil)

	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, rpc.Error)

	result := rpc.Result.(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 3)

	names := make([]string, 0, len(tools))
	for _, item := range tools {
		names = append(names, item.(map[string]any)["name"].(string))
	}
	// Configuration order: weather's tools first, then files'.
	assert.Equal(t, []string{"get-forecast", "get-alerts", "read-file"}, names)
}

func TestGateway_AggregatePartialFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	// Kill one backend entirely; the aggregate still answers with the rest.
	env.files.srv.Close()

	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, rpc.Error)

	tools := rpc.Result.(map[string]any)["tools"].([]any)
	assert.Len(t, tools, 2)
}

func TestGateway_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.files.healthy.Store(false)
	env.gw.backends.PerformHealthCheck(context.Background(), "files")

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Servers   map[string]struct {
			Instances int    `json:"instances"`
			Healthy   int    `json:"healthy"`
			LastCheck string `json:"lastCheck"`
		} `json:"servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	assert.Equal(t, "healthy", payload.Status)
	assert.NotEmpty(t, payload.Timestamp)
	require.Len(t, payload.Servers, 2)
	assert.Equal(t, 1, payload.Servers["weather"].Healthy)
	assert.Equal(t, 0, payload.Servers["files"].Healthy)
	assert.NotEmpty(t, payload.Servers["files"].LastCheck)
}

func TestGateway_RequestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	huge := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` +
		strings.Repeat("x", protocol.MaxRequestBodySize) + `"}}`
	httpResp, rpc := env.postJSONRPC(t, "/mcp", huge)
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, rpc.Error.Code)
}

// postRaw sends a body and returns the raw response bytes, for asserting
// exactly what the relay put on the wire.
func (e *testEnv) postRaw(t *testing.T, body string) []byte {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/mcp", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return raw
}

func TestGateway_RelaysNullResultVerbatim(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Backends[0].Capabilities = append(cfg.Backends[0].Capabilities, "edge/null")
	})

	raw := env.postRaw(t, `{"jsonrpc":"2.0","id":1,"method":"edge/null"}`)
	// An explicit null result is a valid success envelope and must not be
	// dropped by a decode and re-encode cycle.
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":null}`, string(raw))
	assert.Contains(t, string(raw), `"result"`)
}

func TestGateway_RelaysBigIntegerVerbatim(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Backends[0].Capabilities = append(cfg.Backends[0].Capabilities, "edge/bignum")
	})

	raw := env.postRaw(t, `{"jsonrpc":"2.0","id":2,"method":"edge/bignum"}`)
	// 2^53+1 is not representable as float64; a decode through interface{}
	// would round it to ...992.
	assert.Contains(t, string(raw), "9007199254740993")
}

func TestGateway_OversizedBackendResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"pad":"%s"}}`,
			strings.Repeat("x", protocol.MaxRequestBodySize))
	})
	big := httptest.NewServer(mux)
	t.Cleanup(big.Close)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{
			ID:                  "big",
			BaseURL:             big.URL,
			Capabilities:        []string{"big/blob"},
			HealthCheckInterval: config.DefaultHealthCheckInterval,
		})
	})

	_, rpc := env.postJSONRPC(t, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"big/blob"}`)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, protocol.CodeInternalError, rpc.Error.Code)
	assert.Equal(t, "big", rpc.Error.Data)

	inst := env.gw.backends.Checkout("big")
	require.NotNil(t, inst)
	defer env.gw.backends.Release(inst)
	_, err := env.gw.callBackend(context.Background(), inst, []byte(`{"jsonrpc":"2.0","id":1,"method":"big/blob"}`))
	assert.ErrorIs(t, err, errResponseTooLarge)
}
