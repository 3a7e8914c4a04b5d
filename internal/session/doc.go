// Package session tracks client sessions and enforces the concurrency cap.
//
// Sessions are in-memory only and rebuilt on restart. Each is identified by a
// UUID embedded in an HS256-signed bearer token; the token TTL (default one
// hour) is independent of the idle timeout, so a token can expire before the
// idle sweep fires.
//
// A background sweep runs at a fixed interval and removes sessions whose
// last activity is older than the idle timeout, force-closing any bound
// WebSocket. Get refreshes the activity timestamp as a side effect, giving
// sliding expiration.
//
// The session map is owned exclusively by the Manager; other components
// access it only through the Manager's methods.
package session
