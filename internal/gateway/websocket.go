// ABOUTME: WebSocket transport at /mcp/ws with a per-connection write queue.
// ABOUTME: Admission (auth, capacity) happens before the upgrade handshake.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/session"
)

// wsWriteQueueSize bounds buffered outbound frames per connection.
const wsWriteQueueSize = 32

// welcomeFrame is the first frame sent on every accepted connection.
type welcomeFrame struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities"`
}

// wsConn serializes frame writes through a single goroutine so concurrent
// request handlers never interleave on the wire.
type wsConn struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		out:  make(chan []byte, wsWriteQueueSize),
		done: make(chan struct{}),
	}
}

// writeLoop drains the queue until the connection shuts down.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case frame := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame, dropping it if the connection is gone or the
// queue is full. A slow consumer does not block the request path.
func (c *wsConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// handleWebSocket upgrades GET /mcp/ws to a WebSocket and runs the
// connection's read loop. A token query parameter resumes an existing
// session; otherwise admission requires the API key gate and free capacity,
// both checked before the handshake so rejection is an HTTP status, not a
// close frame.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var sess *session.Session
	if token := r.URL.Query().Get("token"); token != "" {
		sess = g.sessions.Authenticate(token)
		if sess == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	} else {
		if !g.apiKeys.CheckRequest(r) {
			g.metrics.observeRequest("", "unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !g.sessions.CanCreate() {
			g.metrics.observeRequest("", "capacity")
			http.Error(w, "maximum sessions reached", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are the deployment proxy's concern
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if sess == nil {
		created, err := g.sessions.Create("", session.TransportWebSocket)
		if err != nil {
			_ = conn.Close(websocket.StatusTryAgainLater, "maximum sessions reached")
			return
		}
		sess = created
	}
	if err := g.sessions.AttachWebSocket(sess.ID, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session lost")
		return
	}

	g.serveWebSocket(r.Context(), conn, sess)
}

// serveWebSocket runs the read loop until the client disconnects, then
// tears the session down.
func (g *Gateway) serveWebSocket(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	wc := newWSConn(conn)
	go wc.writeLoop(ctx)

	defer func() {
		wc.shutdown()
		g.sessions.Remove(sess.ID)
		_ = conn.CloseNow()
		g.logger.Info("websocket disconnected", "session_id", sess.ID)
	}()

	token, err := g.sessions.IssueToken(sess.ID)
	if err != nil {
		g.logger.Warn("failed to issue session token", "session_id", sess.ID, "error", err)
		return
	}
	welcome, err := json.Marshal(welcomeFrame{
		Type:         "connection",
		SessionID:    sess.ID,
		Token:        token,
		Capabilities: g.capMap.Flatten(),
	})
	if err != nil {
		return
	}
	wc.enqueue(welcome)

	g.logger.Info("websocket connected", "session_id", sess.ID)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Reads count as activity for the idle sweeper.
		g.sessions.Get(sess.ID)

		req, errResp := protocol.Parse(data)
		if errResp != nil {
			g.metrics.observeRequest("", "invalid")
			g.sendFrame(wc, errResp)
			continue
		}
		if req.IsNotification() {
			continue
		}

		wg.Add(1)
		go func(req *protocol.Request, raw []byte) {
			defer wg.Done()
			resp := g.handleRequest(ctx, sess, req, raw)
			g.sendFrame(wc, resp)
		}(req, data)
	}
}

func (g *Gateway) sendFrame(wc *wsConn, resp *protocol.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		g.logger.Warn("failed to encode websocket response", "error", err)
		return
	}
	if !wc.enqueue(frame) {
		g.logger.Warn("dropped websocket response frame")
	}
}
