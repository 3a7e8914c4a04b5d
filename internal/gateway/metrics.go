// ABOUTME: Prometheus instrumentation for the gateway request path.
// ABOUTME: Uses a private registry so tests can run gateways side by side.

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/relay-gateway/internal/protocol"
)

// routedMethods get their own method label alongside the protocol methods.
var routedMethods = map[string]bool{
	"tools/call":     true,
	"resources/read": true,
	"prompts/get":    true,
}

// methodLabel maps a client-supplied method string onto a bounded label set.
// Arbitrary method names collapse into "other" so adversarial input cannot
// grow the metric's cardinality.
func methodLabel(method string) string {
	switch {
	case method == "":
		return "none"
	case routedMethods[method] || protocol.IsProtocolMethod(method):
		return method
	default:
		return "other"
	}
}

// gatewayMetrics holds the gateway's Prometheus collectors.
type gatewayMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

// newGatewayMetrics builds a registry with the gateway's collectors. The
// gauges read live values from the managers rather than being pushed to.
func newGatewayMetrics(g *Gateway) *gatewayMetrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "requests_total",
		Help:      "JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})
	registry.MustRegister(requests)

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "backends_healthy",
		Help:      "Number of backends currently passing health checks.",
	}, func() float64 {
		return float64(g.backends.HealthyCount())
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "sessions_active",
		Help:      "Number of live sessions.",
	}, func() float64 {
		return float64(g.sessions.Count())
	}))

	return &gatewayMetrics{registry: registry, requests: requests}
}

func (m *gatewayMetrics) observeRequest(method, outcome string) {
	m.requests.WithLabelValues(methodLabel(method), outcome).Inc()
}

func (m *gatewayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
