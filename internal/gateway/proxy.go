// ABOUTME: Outbound HTTP proxying of JSON-RPC envelopes to backend /mcp endpoints.
// ABOUTME: The gateway is a transparent relay once routing succeeds.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/backend"
	"github.com/2389/relay-gateway/internal/protocol"
)

// ProxyTimeout bounds one backend call including retries' individual attempts.
const ProxyTimeout = 30 * time.Second

// errResponseTooLarge indicates a backend response exceeded the relay cap.
// Truncating and parsing the prefix would mask the real problem.
var errResponseTooLarge = errors.New("backend response exceeds size limit")

// proxy POSTs the original envelope to {baseUrl}/mcp and relays the backend's
// JSON-RPC response verbatim. Backend-level errors (schema validation,
// business logic) pass through unreclassified. Transport-level failures are
// retried up to the backend's max_retries before surfacing as -32603.
func (g *Gateway) proxy(ctx context.Context, inst *backend.Instance, req *protocol.Request, rawBody []byte) *protocol.Response {
	var lastErr error
	for attempt := 0; attempt <= inst.MaxRetries; attempt++ {
		body, err := g.callBackend(ctx, inst, rawBody)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || errors.Is(err, errResponseTooLarge) {
				break
			}
			continue
		}

		// Validate the envelope, then relay the original bytes untouched.
		resp, parseErr := protocol.ParseResponse(body)
		if parseErr != nil {
			g.logger.Warn("backend returned malformed JSON-RPC response",
				"backend_id", inst.ID,
				"error", parseErr,
			)
			return protocol.NewError(req.ID, protocol.CodeInternalError, "Internal error", inst.ID)
		}
		return resp
	}

	g.logger.Warn("backend call failed",
		"backend_id", inst.ID,
		"method", req.Method,
		"error", lastErr,
	)
	return protocol.NewError(req.ID, protocol.CodeInternalError, "Internal error", inst.ID)
}

// callBackend performs one POST {baseUrl}/mcp attempt with a hard timeout.
func (g *Gateway) callBackend(ctx context.Context, inst *backend.Instance, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, ProxyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, inst.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inst.RequiresAuth {
		httpReq.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, protocol.MaxRequestBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(respBody) > protocol.MaxRequestBodySize {
		return nil, errResponseTooLarge
	}
	return respBody, nil
}
