// Package gateway wires the relay-gateway components into a running server.
//
// The Gateway owns three transports over one request lifecycle:
//
//   - HTTP POST /mcp (and its legacy alias /messages) for request/response
//     JSON-RPC
//   - WebSocket /mcp/ws for bidirectional JSON-RPC with a per-connection
//     write queue
//   - SSE /sse for push-only clients that submit requests over HTTP
//
// Every request passes through the same pipeline: session resolution,
// protocol classification, capability routing, and backend proxying.
// Protocol methods (initialize, ping, and the list aggregations) are
// answered by the gateway itself; everything else resolves to exactly one
// backend through the capability map and is relayed verbatim.
//
// JSON-RPC errors always ride HTTP 200. Transport-level failures
// (authentication, method not allowed) use HTTP status codes.
package gateway
