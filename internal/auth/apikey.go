// ABOUTME: Static API key checking for inbound gateway requests
// ABOUTME: Constant-time comparison against the configured key

package auth

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyChecker validates the static inbound API key.
// An empty configured key disables the check entirely.
type APIKeyChecker struct {
	key []byte
}

// NewAPIKeyChecker creates a checker for the given key.
func NewAPIKeyChecker(key string) *APIKeyChecker {
	return &APIKeyChecker{key: []byte(key)}
}

// Enabled reports whether an API key is configured.
func (c *APIKeyChecker) Enabled() bool {
	return len(c.key) > 0
}

// Check compares the presented key against the configured one in constant time.
func (c *APIKeyChecker) Check(presented string) bool {
	if !c.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare(c.key, []byte(presented)) == 1
}

// CheckRequest extracts the API key from an HTTP request and checks it.
// The key may arrive in the X-API-Key header or the api_key query parameter.
func (c *APIKeyChecker) CheckRequest(r *http.Request) bool {
	if !c.Enabled() {
		return true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.Check(key)
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return c.Check(key)
	}
	return false
}
