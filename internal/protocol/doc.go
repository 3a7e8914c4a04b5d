// Package protocol implements the JSON-RPC 2.0 envelope and capability routing.
//
// # Envelope
//
// Every transport (HTTP, WebSocket, SSE) exchanges the same envelope:
//
//	{"jsonrpc":"2.0", "id":..., "method":"...", "params":{...}}
//
// Request ids are carried as json.RawMessage so a numeric id stays numeric
// and a string id stays a string all the way through the gateway.
//
// # Routing Keys
//
// A request's routing key depends on its method:
//
//   - tools/call      -> params.name
//   - resources/read  -> params.uri
//   - prompts/get     -> params.name
//   - anything else   -> the method string itself
//
// ExtractRouteKey returns a tagged RouteKey so callers can tell which rule
// fired. CapabilityMap then resolves the key to the owning backend.
//
// The package is stateless; parse failures are returned as ready-to-send
// error responses rather than thrown up the call stack.
package protocol
