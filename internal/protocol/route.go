// ABOUTME: Capability resolution; maps a JSON-RPC request to the backend that owns it.
// ABOUTME: Routing keys are a tagged type so every method's extraction rule is explicit.

package protocol

import (
	"encoding/json"
	"sort"
)

// RouteKind identifies which extraction rule produced a routing key.
type RouteKind int

const (
	// RouteToolCall keys on params.name of a tools/call request.
	RouteToolCall RouteKind = iota
	// RouteResourceRead keys on params.uri of a resources/read request.
	RouteResourceRead
	// RoutePromptGet keys on params.name of a prompts/get request.
	RoutePromptGet
	// RouteMethod keys on the method string itself (any other method).
	RouteMethod
)

// RouteKey is the routing key extracted from a request.
type RouteKey struct {
	Kind  RouteKind
	Value string
}

// toolCallParams carries the name field shared by tools/call and prompts/get.
type toolCallParams struct {
	Name string `json:"name"`
}

// resourceReadParams carries the uri field of resources/read.
type resourceReadParams struct {
	URI string `json:"uri"`
}

// ExtractRouteKey derives the routing key for a request.
// On malformed or missing params it returns a ready-to-send invalid-params response.
func ExtractRouteKey(req *Request) (RouteKey, *Response) {
	switch req.Method {
	case "tools/call":
		var p toolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return RouteKey{}, NewError(req.ID, CodeInvalidParams, "tool name is required", nil)
		}
		return RouteKey{Kind: RouteToolCall, Value: p.Name}, nil
	case "resources/read":
		var p resourceReadParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
			return RouteKey{}, NewError(req.ID, CodeInvalidParams, "resource uri is required", nil)
		}
		return RouteKey{Kind: RouteResourceRead, Value: p.URI}, nil
	case "prompts/get":
		var p toolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return RouteKey{}, NewError(req.ID, CodeInvalidParams, "prompt name is required", nil)
		}
		return RouteKey{Kind: RoutePromptGet, Value: p.Name}, nil
	default:
		return RouteKey{Kind: RouteMethod, Value: req.Method}, nil
	}
}

// protocolMethods are handled inside the gateway without contacting a backend.
var protocolMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"tools/list":                true,
	"resources/list":            true,
	"prompts/list":              true,
	"ping":                      true,
}

// IsProtocolMethod reports whether the method is served by the gateway itself.
func IsProtocolMethod(method string) bool {
	return protocolMethods[method]
}

// CapabilityEntry pairs a backend id with the capabilities it declares.
type CapabilityEntry struct {
	BackendID    string
	Capabilities []string
}

// CapabilityMap resolves capability names to the backend that owns them.
// It is built once at gateway construction and never mutated, so it is safe
// for concurrent reads without locking. Config validation guarantees no
// capability is declared by more than one backend.
type CapabilityMap struct {
	order  []string
	owners map[string]map[string]struct{}
}

// NewCapabilityMap builds a capability map in the given entry order.
func NewCapabilityMap(entries []CapabilityEntry) *CapabilityMap {
	m := &CapabilityMap{
		owners: make(map[string]map[string]struct{}, len(entries)),
	}
	for _, e := range entries {
		caps := make(map[string]struct{}, len(e.Capabilities))
		for _, c := range e.Capabilities {
			caps[c] = struct{}{}
		}
		m.order = append(m.order, e.BackendID)
		m.owners[e.BackendID] = caps
	}
	return m
}

// Resolve returns the backend that owns the routing key, scanning backends in
// configuration order. Backend counts are small (tens, not thousands), so a
// linear scan is fine.
func (m *CapabilityMap) Resolve(key RouteKey) (string, bool) {
	for _, id := range m.order {
		if _, ok := m.owners[id][key.Value]; ok {
			return id, true
		}
	}
	return "", false
}

// Capabilities returns the capability set declared by a backend, sorted.
func (m *CapabilityMap) Capabilities(backendID string) []string {
	caps := make([]string, 0, len(m.owners[backendID]))
	for c := range m.owners[backendID] {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Flatten returns every declared capability across all backends, sorted.
func (m *CapabilityMap) Flatten() []string {
	var all []string
	for _, caps := range m.owners {
		for c := range caps {
			all = append(all, c)
		}
	}
	sort.Strings(all)
	return all
}

// BackendIDs returns all backend ids in configuration order.
func (m *CapabilityMap) BackendIDs() []string {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}
