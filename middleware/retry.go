package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"wsrpc/rpcerr"
)

// Retry re-runs a handler that failed with TIMEOUT or CONNECTION_FAILED, up
// to maxRetries extra attempts with exponential backoff from baseDelay.
// Other errors are returned at once.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = baseDelay

			attempt := 0
			return backoff.Retry(ctx, func() (json.RawMessage, error) {
				attempt++
				result, err := next(ctx, req)
				if err != nil && !retryable(err) {
					return nil, backoff.Permanent(err)
				}
				return result, err
			},
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(maxRetries+1)),
				backoff.WithNotify(func(err error, d time.Duration) {
					logger.Info("retrying call",
						zap.String("service", req.Service),
						zap.String("method", req.Method),
						zap.Int("attempt", attempt),
						zap.Duration("retry_in", d),
						zap.Error(err))
				}),
			)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, rpcerr.ErrTimeout) || errors.Is(err, rpcerr.ErrConnectionFailed)
}
