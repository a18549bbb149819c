package middleware

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wsrpc/rpcerr"
)

// Tracing wraps each call in a server span named "Service.method". A nil
// tracer uses the global provider.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("wsrpc/server")
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			ctx, span := tracer.Start(ctx, req.Service+"."+req.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("rpc.system", "wsrpc"),
				attribute.String("rpc.service", req.Service),
				attribute.String("rpc.method", req.Method),
				attribute.String("wsrpc.message_id", req.MessageID),
				attribute.String("wsrpc.client_id", req.Session.ClientID),
			)

			result, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(rpcerr.From(err).Code))
			}
			return result, err
		}
	}
}
