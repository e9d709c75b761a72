package analyzer

import (
	"context"
	"fmt"
)

// InvalidatePath is the endpoint told which views to re-fetch.
const InvalidatePath = "/views/invalidate"

// InvalidateRequest is the body of POST /views/invalidate.
type InvalidateRequest struct {
	Views []string `json:"views"`
}

// Invalidate tells the service that the listed views are stale. It satisfies
// aggregate.Invalidator.
func (c *Client) Invalidate(ctx context.Context, viewIDs []string) error {
	if err := c.post(ctx, InvalidatePath, InvalidateRequest{Views: viewIDs}, nil); err != nil {
		return fmt.Errorf("failed to invalidate views: %w", err)
	}
	return nil
}
