// Package search is the web-search gateway used by search subagents.
package search

import "context"

// Result is one raw search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Gateway is the stateless search contract. An empty slice is a valid
// answer; failures are *state.Error values of kind provider_error or
// timeout_error.
type Gateway interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, query string) ([]Result, error)

// Search implements Gateway.
func (f GatewayFunc) Search(ctx context.Context, query string) ([]Result, error) {
	return f(ctx, query)
}
