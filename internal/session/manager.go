// ABOUTME: Session lifecycle and capacity control for gateway clients.
// ABOUTME: In-memory store with signed tokens, sliding expiry, and an idle sweep.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
)

// ErrCapacityReached indicates the maximum concurrent session count is in use.
var ErrCapacityReached = errors.New("maximum sessions reached")

// Transport identifies how a session's client is connected.
type Transport string

// Supported transports.
const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
)

// ConnCloser is the part of a WebSocket connection the manager needs to
// force-close a bound socket when its session is removed.
type ConnCloser interface {
	CloseNow() error
}

// Session is a logical client context spanning one or more requests.
// It is owned exclusively by the Manager; callers only borrow a reference.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Transport Transport

	lastActivity time.Time
	conn         ConnCloser
}

// Config holds Manager construction parameters.
type Config struct {
	MaxConcurrent int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	TokenTTL      time.Duration
	Tokens        *auth.JWTVerifier
	Logger        *slog.Logger
}

// Manager creates, tracks, and expires client sessions.
// A background sweep removes sessions idle longer than the configured
// timeout; that sweep is the only path that proactively frees slots.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxConcurrent int
	idleTimeout   time.Duration
	tokenTTL      time.Duration
	tokens        *auth.JWTVerifier
	logger        *slog.Logger

	done   chan struct{}
	closed bool
}

// NewManager creates a session manager and starts its idle sweep goroutine.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		sessions:      make(map[string]*Session),
		maxConcurrent: cfg.MaxConcurrent,
		idleTimeout:   cfg.IdleTimeout,
		tokenTTL:      cfg.TokenTTL,
		tokens:        cfg.Tokens,
		logger:        logger,
		done:          make(chan struct{}),
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	go m.sweepLoop(sweep)

	return m
}

// CanCreate reports whether a new session fits under the concurrency cap.
// Callers must check capacity before Create; Create itself enforces the gate.
func (m *Manager) CanCreate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) < m.maxConcurrent
}

// Create allocates a new session. It fails with ErrCapacityReached when the
// concurrency cap is in use; sessions are never evicted to make room.
func (m *Manager) Create(userID string, transport Transport) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxConcurrent {
		return nil, ErrCapacityReached
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		CreatedAt:    now,
		Transport:    transport,
		lastActivity: now,
	}
	m.sessions[sess.ID] = sess

	m.logger.Debug("session created",
		"session_id", sess.ID,
		"transport", string(transport),
		"active_sessions", len(m.sessions),
	)
	return sess, nil
}

// Get returns the session and refreshes its activity timestamp (sliding
// expiration), or nil if the session is absent.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	sess.lastActivity = time.Now()
	return sess
}

// Remove deletes a session. Any bound WebSocket connection is force-closed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if sess.conn != nil {
		_ = sess.conn.CloseNow()
	}
	m.logger.Debug("session removed", "session_id", id)
}

// AttachWebSocket binds a socket to the session, converting it into a
// socket-bound session. Subsequent frames on that socket are processed under
// the same session without re-authentication per message.
func (m *Manager) AttachWebSocket(id string, conn ConnCloser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	sess.Transport = TransportWebSocket
	sess.conn = conn
	sess.lastActivity = time.Now()
	return nil
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IssueToken mints a signed bearer token for the session. The token's expiry
// is independent of the idle sweep: it can lapse while the session is still
// warm, forcing the client to re-authenticate.
func (m *Manager) IssueToken(sessionID string) (string, error) {
	return m.tokens.Generate(sessionID, m.tokenTTL)
}

// Authenticate verifies a bearer token and returns the live session it names,
// refreshing its activity timestamp. Signature failure, expiry, and an
// unknown session all return nil, indistinguishable from "no session".
func (m *Manager) Authenticate(token string) *Session {
	sessionID, err := m.tokens.Verify(token)
	if err != nil {
		return nil
	}
	return m.Get(sessionID)
}

// sweepLoop periodically removes idle sessions.
func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}

// Sweep removes every session idle longer than the configured timeout,
// force-closing any bound WebSocket.
func (m *Manager) Sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActivity) > m.idleTimeout {
			delete(m.sessions, id)
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		if sess.conn != nil {
			_ = sess.conn.CloseNow()
		}
		m.logger.Info("session expired",
			"session_id", sess.ID,
			"transport", string(sess.Transport),
		)
	}
}

// Close stops the sweep goroutine and force-closes all remaining sessions.
// It is safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)

	remaining := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		delete(m.sessions, id)
		remaining = append(remaining, sess)
	}
	m.mu.Unlock()

	for _, sess := range remaining {
		if sess.conn != nil {
			_ = sess.conn.CloseNow()
		}
	}
}
