package middleware

import (
	"context"
	"encoding/json"
	"time"

	"wsrpc/rpcerr"
)

// Timeout bounds each call. The handler's context is cancelled when the
// limit passes and the caller gets TIMEOUT without waiting for the handler.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result json.RawMessage
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, rpcerr.Newf(rpcerr.CodeTimeout, "%s.%s exceeded %s", req.Service, req.Method, timeout)
			}
		}
	}
}
