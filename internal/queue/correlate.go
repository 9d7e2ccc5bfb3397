// ABOUTME: Request/response correlation within a flow, with byte-budgeted paging.
// ABOUTME: A request is complete once a status record with its request_id exists.

package queue

import (
	"context"
	"fmt"

	"github.com/2389/fleetlink/internal/store"
)

// CompletedRequest pairs a completed request with its response records.
type CompletedRequest struct {
	RequestID uint64
	Responses []store.Response
}

// FetchCompletedRequests returns the IDs of requests in flow for which a
// status record exists, in request order. Response bodies are never read.
func (s *Scheduler) FetchCompletedRequests(ctx context.Context, flow string) ([]uint64, error) {
	ids, err := s.store.CompletedRequestIDs(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("fetching completed requests for %s: %w", flow, err)
	}
	return ids, nil
}

// FetchCompletedResponses joins completed requests with their responses,
// in response_id order per request, accumulating payload bytes until
// budget is exceeded. When the budget runs out mid-flow the partial
// result is returned together with ErrMoreData, and the caller must
// re-page starting after the last returned request.
func (s *Scheduler) FetchCompletedResponses(ctx context.Context, flow string, afterRequest uint64, budget int) ([]CompletedRequest, error) {
	ids, err := s.store.CompletedRequestIDs(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("fetching completed requests for %s: %w", flow, err)
	}

	var out []CompletedRequest
	used := 0
	for _, id := range ids {
		if id <= afterRequest {
			continue
		}
		responses, err := s.store.ResponsesForRequest(ctx, flow, id)
		if err != nil {
			return nil, fmt.Errorf("fetching responses for %s/%d: %w", flow, id, err)
		}
		for _, r := range responses {
			used += len(r.Payload)
		}
		out = append(out, CompletedRequest{RequestID: id, Responses: responses})
		if used > budget {
			return out, ErrMoreData
		}
	}
	return out, nil
}
