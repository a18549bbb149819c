package middleware

import (
	"context"
	"encoding/json"

	"wsrpc/metrics"
	"wsrpc/rpcerr"
)

// Metrics counts calls by service, method and result code ("OK" on success).
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			result, err := next(ctx, req)
			code := "OK"
			if err != nil {
				code = string(rpcerr.From(err).Code)
			}
			m.Request(req.Service, req.Method, code)
			return result, err
		}
	}
}
