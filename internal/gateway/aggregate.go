// ABOUTME: Fan-out aggregation of list-type methods across all configured backends.
// ABOUTME: Partial failures are tolerated; unreachable backends contribute nothing.

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/relay-gateway/internal/backend"
	"github.com/2389/relay-gateway/internal/protocol"
)

// AggregateCallTimeout bounds each backend's contribution to a fan-out call.
// Shorter than the single-backend proxy timeout so one slow backend cannot
// hold the whole aggregate hostage.
const AggregateCallTimeout = 10 * time.Second

// aggregate fans out a list-type request (tools/list, resources/list,
// prompts/list) to every configured backend, including unhealthy ones, and
// concatenates the named result arrays. Backends that fail or return errors
// are logged and skipped. Results are ordered by configuration order.
func (g *Gateway) aggregate(ctx context.Context, req *protocol.Request, resultKey string) *protocol.Response {
	ids := g.capMap.BackendIDs()
	partials := make([][]json.RawMessage, len(ids))

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)

	for i, id := range ids {
		group.Go(func() error {
			items, err := g.collectFrom(groupCtx, id, req, resultKey)
			if err != nil {
				g.logger.Warn("backend excluded from aggregate",
					"backend_id", id,
					"method", req.Method,
					"error", err,
				)
				return nil
			}
			mu.Lock()
			partials[i] = items
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	merged := make([]json.RawMessage, 0)
	for _, items := range partials {
		merged = append(merged, items...)
	}
	return protocol.NewResult(req.ID, map[string]any{resultKey: merged})
}

// collectFrom calls one backend and extracts the named array from its result.
func (g *Gateway) collectFrom(ctx context.Context, backendID string, req *protocol.Request, resultKey string) ([]json.RawMessage, error) {
	desc, err := g.backends.Descriptor(backendID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, AggregateCallTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	inst := &backend.Instance{
		ID:           desc.ID,
		BaseURL:      desc.BaseURL,
		RequiresAuth: desc.RequiresAuth,
		APIKey:       desc.APIKey,
		MaxRetries:   desc.MaxRetries,
	}
	raw, err := g.callBackend(callCtx, inst, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result map[string]json.RawMessage `json:"result"`
		Error  *protocol.Error            `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var items []json.RawMessage
	if payload, ok := resp.Result[resultKey]; ok {
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, err
		}
	}
	return items, nil
}
