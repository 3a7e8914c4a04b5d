// ABOUTME: JSON-RPC 2.0 envelope types shared by every gateway transport.
// ABOUTME: Request IDs are kept as raw JSON so string/number ids round-trip untouched.

package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// raw, when set, is what MarshalJSON emits in place of the struct
	// fields. Relayed backend responses carry it so payloads survive byte
	// for byte: an explicit null result stays present and integers wider
	// than float64 are not rounded through a decode cycle.
	raw json.RawMessage
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so backend error objects can flow
// through ordinary error returns.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// IsNotification reports whether the request carries no id (or a null id)
// and therefore expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// NewResult builds a successful response preserving the request id verbatim.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds an error response preserving the request id verbatim.
func NewError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// ParseResponse validates body as a JSON-RPC response envelope and returns a
// Response that re-encodes as those exact bytes. The decoded fields are
// populated for inspection (outcome logging reads Error); the wire payload is
// the original body, untouched.
func ParseResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	resp.raw = append(json.RawMessage(nil), body...)
	return &resp, nil
}

// MarshalJSON emits the verbatim payload for relayed responses and the
// struct fields for gateway-built ones.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	type plain Response
	return json.Marshal((*plain)(r))
}

// Parse validates a raw body as a JSON-RPC 2.0 request.
// On violation it returns a ready-to-send error response instead of
// letting the failure escape to the transport layer.
func Parse(body []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewError(nil, CodeParseError, "invalid JSON", nil)
	}
	if req.JSONRPC != "2.0" {
		return nil, NewError(req.ID, CodeInvalidRequest, "invalid JSON-RPC version", nil)
	}
	if req.Method == "" {
		return nil, NewError(req.ID, CodeInvalidRequest, "method is required", nil)
	}
	return &req, nil
}
