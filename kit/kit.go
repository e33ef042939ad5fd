// Package kit holds the small cross-cutting plumbing shared by flagnav
// surfaces: the Endpoint abstraction, middleware chaining, request context
// keys, and the MCP tool registration adapter.
package kit

import "context"

// Endpoint is a transport-agnostic operation: decoded request in, response
// out. HTTP handlers and MCP tools both terminate in an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first argument is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
