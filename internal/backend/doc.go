// Package backend maintains the availability view of every capability server.
//
// # Overview
//
// Each configured backend gets an immutable Descriptor and a mutable runtime
// state owned exclusively by the Manager. Other components never touch the
// state directly; they go through Checkout/Release and the snapshot methods.
//
// # Health Polling
//
// Start probes every backend once synchronously so the first routing decision
// after startup reflects real status, then runs one polling goroutine per
// backend at that backend's configured interval. A probe is a GET against
// {base_url}/health with a 5 second timeout; any 2xx means healthy, anything
// else (including timeouts and network errors) means unhealthy. Probe
// failures are never retried inline — the next tick is the retry.
//
// Health flips are logged only on transition to keep the logs quiet; the
// last-check timestamp is updated on every poll regardless of outcome.
//
// # Checkout / Release
//
// Checkout returns an Instance only while the backend is healthy, and
// increments its active connection count; Release decrements it, floored at
// zero. The reliability invariant: a request is never forwarded to a backend
// the manager believes is unhealthy.
package backend
