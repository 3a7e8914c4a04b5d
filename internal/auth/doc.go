// Package auth provides token and API key authentication for relay-gateway.
//
// # Session Tokens
//
// Sessions are identified by HS256-signed JWTs carrying the session ID in the
// "sub" claim. JWTVerifier both mints and verifies tokens:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate(sessionID, time.Hour)
//	sessionID, err := verifier.Verify(token)
//
// Signature verification failure and expiry are both surfaced as errors; the
// gateway treats either the same as "no session".
//
// # Static API Key
//
// APIKeyChecker performs a constant-time comparison of an inbound key
// (X-API-Key header or api_key query parameter) against the configured value.
// An empty configured key disables the check.
package auth
