// ABOUTME: Tests for the bounded method label and request counter wiring.
// ABOUTME: Runs against the gateway's private registry.

package gateway

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMethodLabel(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"", "none"},
		{"initialize", "initialize"},
		{"ping", "ping"},
		{"tools/list", "tools/list"},
		{"tools/call", "tools/call"},
		{"resources/read", "resources/read"},
		{"prompts/get", "prompts/get"},
		{"made-up/method", "other"},
		{"another random string", "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, methodLabel(tt.method), "method %q", tt.method)
	}
}

func TestMetrics_ArbitraryMethodsShareOneSeries(t *testing.T) {
	env := newTestEnv(t, nil)

	// Client-chosen method names must not mint new label values.
	env.gw.metrics.observeRequest("evil-0", "ok")
	env.gw.metrics.observeRequest("evil-1", "ok")
	env.gw.metrics.observeRequest("tools/call", "ok")

	other := env.gw.metrics.requests.WithLabelValues("other", "ok")
	assert.Equal(t, float64(2), testutil.ToFloat64(other))

	routed := env.gw.metrics.requests.WithLabelValues("tools/call", "ok")
	assert.Equal(t, float64(1), testutil.ToFloat64(routed))
}
