package main

import (
	"context"
	"time"

	"wsrpc/rpcerr"
	"wsrpc/server"
)

// calcService is the demo service exposed by "wsrpc serve".
func calcService() *server.Service {
	return server.NewService("Calc").
		Unary("add", server.Unary2(func(_ context.Context, a, b float64) (float64, error) {
			return a + b, nil
		})).
		Unary("sub", server.Unary2(func(_ context.Context, a, b float64) (float64, error) {
			return a - b, nil
		})).
		Unary("multiply", server.Unary2(func(_ context.Context, a, b float64) (float64, error) {
			return a * b, nil
		})).
		Unary("divide", server.Unary2(func(_ context.Context, a, b float64) (float64, error) {
			if b == 0 {
				return 0, rpcerr.New(rpcerr.CodeInvalidParameters, "division by zero")
			}
			return a / b, nil
		})).
		Stream("range", server.Stream2(func(ctx context.Context, from, to int, emit server.Emit) error {
			for i := from; i <= to; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		})).
		Stream("ticker", server.Stream1(func(ctx context.Context, intervalMs int, emit server.Emit) error {
			if intervalMs <= 0 {
				return rpcerr.New(rpcerr.CodeInvalidParameters, "interval must be positive")
			}
			t := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case now := <-t.C:
					if err := emit(now.UnixMilli()); err != nil {
						return err
					}
				}
			}
		}))
}
