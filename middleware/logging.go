package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"wsrpc/rpcerr"
)

// Logging logs every call at debug and failures at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("message_id", req.MessageID),
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.String("client", req.Session.ClientID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.String("code", string(rpcerr.From(err).Code)), zap.Error(err))...)
				return result, err
			}
			logger.Debug("call served", fields...)
			return result, nil
		}
	}
}
