// ABOUTME: Gateway orchestrator wiring config, backends, sessions, and transports.
// ABOUTME: Owns the HTTP server lifecycle including optional Tailscale listeners.

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/backend"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/session"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Gateway orchestrates the relay-gateway server components: the backend
// health manager, the session manager, and the HTTP/WebSocket/SSE transports.
type Gateway struct {
	config      *config.Config
	backends    *backend.Manager
	sessions    *session.Manager
	capMap      *protocol.CapabilityMap
	apiKeys     *auth.APIKeyChecker
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	client      *http.Client
	metrics     *gatewayMetrics
	logger      *slog.Logger
}

// New builds a gateway from validated configuration. Start does not happen
// here; Run owns the listener and health-check lifecycles.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	descriptors := make([]backend.Descriptor, 0, len(cfg.Backends))
	entries := make([]protocol.CapabilityEntry, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		descriptors = append(descriptors, backend.Descriptor{
			ID:                  b.ID,
			BaseURL:             b.BaseURL,
			Capabilities:        b.Capabilities,
			HealthCheckInterval: b.HealthCheckInterval,
			RequiresAuth:        b.RequiresAuth,
			APIKey:              b.APIKey,
			MaxRetries:          b.MaxRetries,
		})
		entries = append(entries, protocol.CapabilityEntry{
			BackendID:    b.ID,
			Capabilities: b.Capabilities,
		})
	}

	g := &Gateway{
		config:   cfg,
		backends: backend.NewManager(descriptors, logger),
		capMap:   protocol.NewCapabilityMap(entries),
		apiKeys:  auth.NewAPIKeyChecker(cfg.Auth.APIKey),
		client:   &http.Client{Timeout: ProxyTimeout},
		logger:   logger,
	}

	g.sessions = session.NewManager(session.Config{
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		TokenTTL:      cfg.Sessions.TokenTTL,
		Tokens:        verifier,
		Logger:        logger,
	})

	g.metrics = newGatewayMetrics(g)
	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes builds the HTTP mux. /messages is a legacy alias for /mcp.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", g.handleMCP)
	mux.HandleFunc("/messages", g.handleMCP)
	mux.HandleFunc("/mcp/ws", g.handleWebSocket)
	mux.HandleFunc("/sse", g.handleSSE)
	mux.HandleFunc("/health", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.handler())
	}
	return mux
}

// Run starts the health checkers and HTTP server and blocks until the
// context is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.backends.Start(ctx); err != nil {
		return fmt.Errorf("starting backend manager: %w", err)
	}

	httpLn, err := g.setupListener(ctx)
	if err != nil {
		g.backends.Stop()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server, health checkers, and sessions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.backends.Stop()
	g.sessions.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the HTTP listener based on configuration
// (Tailscale or plain TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and the HTTP listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.setupTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) setupTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth reports gateway liveness plus per-backend health snapshots.
// It answers regardless of backend state; a gateway with every backend down
// is degraded, not dead.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"servers":   g.backends.HealthStatus(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Warn("failed to encode health response", "error", err)
	}
}
