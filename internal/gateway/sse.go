// ABOUTME: Server-sent events transport at /sse for push-only clients.
// ABOUTME: Clients receive a session announce event, then periodic keep-alives.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/session"
)

// sseKeepAliveInterval is how often an idle SSE stream emits a comment so
// intermediaries do not reap the connection.
const sseKeepAliveInterval = 30 * time.Second

// handleSSE serves a push-only event stream. The first event announces the
// session; JSON-RPC requests ride the HTTP POST endpoint with the issued
// token.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !g.apiKeys.CheckRequest(r) {
		g.metrics.observeRequest("", "unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := g.sessions.Create("", session.TransportHTTP)
	if errors.Is(err, session.ErrCapacityReached) {
		g.metrics.observeRequest("", "capacity")
		http.Error(w, "maximum sessions reached", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer g.sessions.Remove(sess.ID)

	token, err := g.sessions.IssueToken(sess.ID)
	if err != nil {
		g.logger.Warn("failed to issue session token", "session_id", sess.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	announce, err := json.Marshal(map[string]any{
		"type":         "connection",
		"sessionId":    sess.ID,
		"token":        token,
		"capabilities": g.capMap.Flatten(),
		"endpoint":     "/mcp",
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "event: connection\ndata: %s\n\n", announce)
	flusher.Flush()

	g.logger.Info("sse connected", "session_id", sess.ID)
	defer g.logger.Info("sse disconnected", "session_id", sess.ID)

	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// Keep-alives also count as activity so the sweeper does
			// not reap a stream that is merely quiet.
			g.sessions.Get(sess.ID)
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
