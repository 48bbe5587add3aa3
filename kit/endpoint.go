// Package kit holds the small cross-cutting pieces shared by every domresolve
// surface: the Endpoint abstraction with middleware chaining, typed context
// keys for correlation metadata, and the MCP tool registration helper.
package kit

import "context"

// Endpoint is the transport-agnostic unit of request handling. HTTP handlers,
// MCP tools, and local calls all decode into an Endpoint invocation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
