// Package middleware wraps server-side unary handlers. A Middleware sees the
// request after the wire identifiers are resolved and security checks pass,
// and the result or typed error before it is sent back.
//
//	Chain(A, B, C)(h)  ==  A(B(C(h)))   // A runs first, sees the final result last
package middleware

import (
	"context"
	"encoding/json"

	"wsrpc/message"
	"wsrpc/security"
)

// Request is one resolved unary call.
type Request struct {
	MessageID string
	Service   string // Resolved service name
	Method    string // Resolved method name
	Params    message.Params
	Session   security.Session
}

// HandlerFunc returns the JSON result or an error; untyped errors become
// INTERNAL_ERROR on the wire.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
