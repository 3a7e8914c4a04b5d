// ABOUTME: HTTP handlers and the per-request lifecycle for the /mcp endpoint.
// ABOUTME: Session resolution, protocol classification, routing, and response relay.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/session"
)

// CodeCapacityReached is the server-defined JSON-RPC error code for the
// session admission gate.
const CodeCapacityReached = -32000

// handleMCP processes JSON-RPC requests arriving via HTTP POST.
// /messages is a functionally identical alias registered on the same handler.
func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// Session resolution. A valid session token doubles as auth; otherwise
	// the static API key gate applies.
	sess := g.resolveSession(r)
	if sess == nil && !g.apiKeys.CheckRequest(r) {
		g.metrics.observeRequest("", "unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if sess == nil {
		created, err := g.sessions.Create("", session.TransportHTTP)
		if errors.Is(err, session.ErrCapacityReached) {
			// Never auto-evict another session to make room.
			g.metrics.observeRequest("", "capacity")
			g.sendResponse(w, protocol.NewError(nil, CodeCapacityReached, "maximum sessions reached", nil))
			return
		}
		if err != nil {
			g.sendResponse(w, protocol.NewError(nil, protocol.CodeInternalError, "internal error", nil))
			return
		}
		sess = created
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxRequestBodySize+1))
	if err != nil {
		g.sendResponse(w, protocol.NewError(nil, protocol.CodeParseError, "failed to read request body", nil))
		return
	}
	if int64(len(body)) > protocol.MaxRequestBodySize {
		g.sendResponse(w, protocol.NewError(nil, protocol.CodeInvalidRequest, "request body too large", nil))
		return
	}

	req, errResp := protocol.Parse(body)
	if errResp != nil {
		g.metrics.observeRequest("", "invalid")
		g.sendResponse(w, errResp)
		return
	}

	if req.IsNotification() {
		if !strings.HasPrefix(req.Method, "notifications/") && !protocol.IsProtocolMethod(req.Method) {
			g.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := g.handleRequest(r.Context(), sess, req, body)
	g.sendResponse(w, resp)
}

// resolveSession extracts and validates the bearer token from the request.
// Returns the live session (with activity refreshed) or nil.
func (g *Gateway) resolveSession(r *http.Request) *session.Session {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return nil
	}
	return g.sessions.Authenticate(token)
}

// handleRequest runs one request through the lifecycle:
// protocol classification, routing, and proxying. It is shared by the HTTP
// and WebSocket transports; rawBody is the original envelope, forwarded
// verbatim to the backend when routing succeeds.
// A nil response means the request was a notification.
func (g *Gateway) handleRequest(ctx context.Context, sess *session.Session, req *protocol.Request, rawBody []byte) (resp *protocol.Response) {
	requestID := uuid.New().String()
	start := time.Now()

	g.logger.Info("mcpRequest",
		"request_id", requestID,
		"method", req.Method,
		"session_id", sess.ID,
	)

	// Unexpected panics become a generic internal error instead of taking
	// down the server or leaking a stack trace to the client.
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("mcpError",
				"request_id", requestID,
				"method", req.Method,
				"session_id", sess.ID,
				"panic", rec,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			g.metrics.observeRequest(req.Method, "panic")
			resp = protocol.NewError(req.ID, protocol.CodeInternalError, "Internal error", nil)
		}
	}()

	resp = g.dispatch(ctx, req, rawBody)

	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = "error"
		g.logger.Warn("mcpError",
			"request_id", requestID,
			"method", req.Method,
			"code", resp.Error.Code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		g.logger.Info("mcpResponse",
			"request_id", requestID,
			"method", req.Method,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	g.metrics.observeRequest(req.Method, outcome)
	return resp
}

// dispatch classifies the request and either answers it in the gateway
// (protocol methods) or routes it to the owning backend.
func (g *Gateway) dispatch(ctx context.Context, req *protocol.Request, rawBody []byte) *protocol.Response {
	switch req.Method {
	case "initialize":
		return protocol.NewResult(req.ID, g.initializeResult())
	case "ping":
		return protocol.NewResult(req.ID, map[string]any{})
	case "tools/list":
		return g.aggregate(ctx, req, "tools")
	case "resources/list":
		return g.aggregate(ctx, req, "resources")
	case "prompts/list":
		return g.aggregate(ctx, req, "prompts")
	}

	key, errResp := protocol.ExtractRouteKey(req)
	if errResp != nil {
		return errResp
	}

	backendID, found := g.capMap.Resolve(key)
	if !found {
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "Method not found", key.Value)
	}

	inst := g.backends.Checkout(backendID)
	if inst == nil {
		// Distinct from -32601: the capability has an owner, it is just down.
		return protocol.NewError(req.ID, protocol.CodeInternalError, "Internal error", backendID)
	}
	defer g.backends.Release(inst)

	return g.proxy(ctx, inst, req, rawBody)
}

// initializeResult is the static capability advertisement returned from
// initialize without contacting any backend.
func (g *Gateway) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "relay-gateway",
			"version": version,
		},
	}
}

// sendResponse writes a JSON-RPC response. JSON-RPC-level errors still ride
// HTTP 200; 4xx/5xx is reserved for transport-level failures.
func (g *Gateway) sendResponse(w http.ResponseWriter, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
