package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"wsrpc/rpcerr"
)

// RateLimit admits r calls per second across all clients with bursts up to
// burst. Per-client budgets belong to security.TokenBucketLimiter.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, rpcerr.New(rpcerr.CodeRateLimitExceeded, "server rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
