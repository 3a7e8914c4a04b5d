// ABOUTME: Tracks runtime health of every configured backend and arbitrates instance checkout.
// ABOUTME: Per-backend pollers flip availability; unhealthy backends are never handed out.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrBackendNotFound indicates the specified backend is not configured.
var ErrBackendNotFound = errors.New("backend not found")

// HealthCheckTimeout bounds a single health probe.
const HealthCheckTimeout = 5 * time.Second

// Descriptor is the immutable static description of a backend, loaded at startup.
type Descriptor struct {
	ID                  string
	BaseURL             string
	Capabilities        []string
	HealthCheckInterval time.Duration
	RequiresAuth        bool
	APIKey              string
	MaxRetries          int
}

// Instance is a checked-out view of a healthy backend handed to the caller.
// It must be returned via Release when the caller is done with it.
type Instance struct {
	ID           string
	BaseURL      string
	RequiresAuth bool
	APIKey       string
	MaxRetries   int
}

// runtimeState is the mutable per-backend state, owned exclusively by Manager.
type runtimeState struct {
	desc        Descriptor
	healthy     bool
	lastCheck   time.Time
	activeConns int
}

// Status is a point-in-time health snapshot for one backend.
type Status struct {
	Instances    int      `json:"instances"`
	Healthy      int      `json:"healthy"`
	Capabilities []string `json:"capabilities"`
	LastCheck    string   `json:"lastCheck"`
}

// Manager owns the availability view of every backend.
// Backends start unhealthy; only a completed probe observing a 2xx flips
// them healthy, so the gateway never routes on an optimistic default.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*runtimeState
	order  []string

	client  *http.Client
	logger  *slog.Logger
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a Manager for the given descriptors. Start must be
// called before the manager will hand out instances.
func NewManager(descriptors []Descriptor, logger *slog.Logger) *Manager {
	m := &Manager{
		states:  make(map[string]*runtimeState, len(descriptors)),
		cancels: make(map[string]context.CancelFunc, len(descriptors)),
		client:  &http.Client{Timeout: HealthCheckTimeout},
		logger:  logger,
	}
	for _, d := range descriptors {
		m.states[d.ID] = &runtimeState{desc: d}
		m.order = append(m.order, d.ID)
	}
	return m
}

// Start probes every backend once synchronously, then starts one polling
// goroutine per backend so a slow backend's probe never delays the others.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	// Initial synchronous probes: the first routing decision after startup
	// reflects real status.
	for _, id := range m.order {
		m.PerformHealthCheck(ctx, id)
	}

	for _, id := range m.order {
		pollCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.cancels[id] = cancel
		interval := m.states[id].desc.HealthCheckInterval
		m.mu.Unlock()

		m.wg.Add(1)
		go m.poll(pollCtx, id, interval)
	}
	return nil
}

// poll runs the periodic health check loop for one backend.
func (m *Manager) poll(ctx context.Context, id string, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PerformHealthCheck(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels each backend's poller individually and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// PerformHealthCheck issues one GET {baseUrl}/health probe and records the
// outcome. Any 2xx marks the backend healthy; a non-2xx status, timeout, or
// network error marks it unhealthy. Failures are never retried inline; the
// next periodic tick is the retry. Transitions are logged, steady state is not.
func (m *Manager) PerformHealthCheck(ctx context.Context, id string) {
	m.mu.RLock()
	st, ok := m.states[id]
	if !ok {
		m.mu.RUnlock()
		return
	}
	baseURL := st.desc.BaseURL
	m.mu.RUnlock()

	healthy := m.probe(ctx, baseURL)

	m.mu.Lock()
	defer m.mu.Unlock()
	st.lastCheck = time.Now()
	if healthy != st.healthy {
		if healthy {
			m.logger.Info("backend healthy", "backend_id", id, "base_url", baseURL)
		} else {
			m.logger.Warn("backend unhealthy", "backend_id", id, "base_url", baseURL)
		}
		st.healthy = healthy
	}
}

// probe performs the HTTP GET against the backend's health endpoint.
func (m *Manager) probe(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Checkout returns an instance for the backend only if it is currently
// healthy; otherwise it returns nil. On success the backend's active
// connection count is incremented. This is the only gate between "backend is
// configured" and "backend is used".
func (m *Manager) Checkout(id string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok || !st.healthy {
		return nil
	}
	st.activeConns++
	return &Instance{
		ID:           st.desc.ID,
		BaseURL:      st.desc.BaseURL,
		RequiresAuth: st.desc.RequiresAuth,
		APIKey:       st.desc.APIKey,
		MaxRetries:   st.desc.MaxRetries,
	}
}

// Release returns a checked-out instance, decrementing the active connection
// count. The count never goes below zero.
func (m *Manager) Release(inst *Instance) {
	if inst == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[inst.ID]
	if !ok {
		return
	}
	if st.activeConns > 0 {
		st.activeConns--
	}
}

// Descriptor returns the static descriptor of a backend regardless of health.
// Capability aggregation uses this to fan out even to backends currently down.
func (m *Manager) Descriptor(id string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrBackendNotFound, id)
	}
	return st.desc, nil
}

// IsHealthy reports the backend's current availability.
func (m *Manager) IsHealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[id]
	return ok && st.healthy
}

// ActiveConnections returns the current checkout count for a backend.
func (m *Manager) ActiveConnections(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.states[id]; ok {
		return st.activeConns
	}
	return 0
}

// HealthyCount returns the number of currently healthy backends.
func (m *Manager) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, st := range m.states {
		if st.healthy {
			n++
		}
	}
	return n
}

// HealthStatus returns a snapshot map for external health reporting,
// one entry per backend in configuration order.
func (m *Manager) HealthStatus() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.states))
	for _, id := range m.order {
		st := m.states[id]
		caps := make([]string, len(st.desc.Capabilities))
		copy(caps, st.desc.Capabilities)

		healthy := 0
		if st.healthy {
			healthy = 1
		}
		lastCheck := ""
		if !st.lastCheck.IsZero() {
			lastCheck = st.lastCheck.UTC().Format(time.RFC3339)
		}
		out[id] = Status{
			Instances:    1,
			Healthy:      healthy,
			Capabilities: caps,
			LastCheck:    lastCheck,
		}
	}
	return out
}
