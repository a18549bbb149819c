package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/metrics"
	"wsrpc/middleware"
	"wsrpc/registry"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
	"wsrpc/security"
	"wsrpc/transport"
)

// ---- test service ----

func calc(stopped chan<- struct{}) *Service {
	return NewService("Calc").
		Unary("add", Unary2(func(_ context.Context, a, b int) (int, error) {
			return a + b, nil
		})).
		Unary("sub", Unary2(func(_ context.Context, a, b int) (int, error) {
			return a - b, nil
		})).
		Unary("div", Unary2(func(_ context.Context, a, b int) (int, error) {
			if b == 0 {
				return 0, rpcerr.New(rpcerr.CodeInvalidParameters, "division by zero")
			}
			return a / b, nil
		})).
		Unary("missing", Unary1(func(_ context.Context, p *int) (bool, error) {
			return p == nil, nil
		})).
		Unary("fail", Unary0(func(context.Context) (int, error) {
			return 0, errors.New("disk on fire")
		})).
		Unary("panic", Unary0(func(context.Context) (int, error) {
			panic("boom")
		})).
		Stream("range", Stream2(func(_ context.Context, from, to int, emit Emit) error {
			for i := from; i <= to; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		})).
		Stream("ticks", func(ctx context.Context, _ message.Params, emit Emit) error {
			defer func() {
				if stopped != nil {
					close(stopped)
				}
			}()
			for i := 0; ; i++ {
				if err := emit(i); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
		})
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown(time.Second)
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, header http.Header, r *resolver.Resolver, ct codec.Type) *transport.Connection {
	t.Helper()
	conn := transport.NewConnection(transport.DialWebSocket(url, header, ct, 0),
		transport.WithCodec(codec.Get(ct)),
		transport.WithoutReconnect(),
		transport.WithResolver(r),
		transport.WithCallTimeout(5*time.Second),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func callInt(t *testing.T, conn *transport.Connection, method string, params ...any) (int, error) {
	t.Helper()
	raw, err := conn.Call(context.Background(), "Calc", method, params...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := sonic.ConfigStd.Unmarshal(raw, &n); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return n, nil
}

// ---- tests ----

func TestUnaryCallOverObfuscatedMapping(t *testing.T) {
	for _, ct := range []codec.Type{codec.TypeJSON, codec.TypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			srv := New(
				WithCodec(codec.Get(ct)),
				WithResolver(resolver.New(resolver.Options{Enabled: true, Strategy: resolver.StrategyHash, Length: 8})),
			)
			if err := srv.Register(calc(nil)); err != nil {
				t.Fatal(err)
			}
			url := startServer(t, srv)

			clientMap := resolver.New(resolver.Options{Enabled: true})
			if err := clientMap.Import(srv.Resolver().Export()); err != nil {
				t.Fatal(err)
			}
			wire, err := clientMap.Lookup("Calc", "add")
			if err != nil || wire.Method == "add" || len(wire.Method) != 8 {
				t.Fatalf("expect an 8 character obfuscated id, got %+v, %v", wire, err)
			}

			conn := dial(t, url, nil, clientMap, ct)
			got, err := callInt(t, conn, "add", 2, 3)
			if err != nil {
				t.Fatalf("Call add failed: %v", err)
			}
			if got != 5 {
				t.Fatalf("add: expect 5, got %d", got)
			}
		})
	}
}

func TestErrorsCarryCodes(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	srv := New(WithLogger(zap.New(core)))
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	tests := []struct {
		name    string
		service string
		method  string
		params  []any
		want    rpcerr.Code
	}{
		{"typed handler error", "Calc", "div", []any{1, 0}, rpcerr.CodeInvalidParameters},
		{"untyped handler error", "Calc", "fail", nil, rpcerr.CodeInternal},
		{"panic", "Calc", "panic", nil, rpcerr.CodeInternal},
		{"wrong arity", "Calc", "add", []any{1}, rpcerr.CodeInvalidParameters},
		{"wrong type", "Calc", "add", []any{"a", "b"}, rpcerr.CodeInvalidParameters},
		{"unknown method", "Calc", "nope", nil, rpcerr.CodeMethodNotFound},
		{"unknown service", "Nope", "add", nil, rpcerr.CodeServiceNotFound},
		{"stream as unary", "Calc", "range", []any{0, 1}, rpcerr.CodeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.Call(context.Background(), tt.service, tt.method, tt.params...)
			if code := rpcerr.CodeOf(err); code != tt.want {
				t.Fatalf("expect %s, got %v", tt.want, err)
			}
		})
	}

	if n := logs.FilterMessage("handler panicked").Len(); n != 1 {
		t.Fatalf("expect 1 panic log, got %d", n)
	}
	if got, err := callInt(t, conn, "add", 40, 2); err != nil || got != 42 {
		t.Fatalf("server unusable after panic: %d, %v", got, err)
	}
}

func TestNullParamBindsToZeroValue(t *testing.T) {
	srv := New()
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	for _, tt := range []struct {
		param any
		want  string
	}{
		{nil, "true"},
		{3, "false"},
	} {
		raw, err := conn.Call(context.Background(), "Calc", "missing", tt.param)
		if err != nil {
			t.Fatalf("Call missing(%v) failed: %v", tt.param, err)
		}
		if string(raw) != tt.want {
			t.Fatalf("missing(%v): expect %s, got %s", tt.param, tt.want, raw)
		}
	}
}

func TestStreamDeliversItemsThenEnd(t *testing.T) {
	srv := New()
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := conn.OpenStream(ctx, "Calc", "range", 1, 5)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	var got []int
	for {
		raw, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		var n int
		sonic.ConfigStd.Unmarshal(raw, &n)
		got = append(got, n)
	}
	if len(got) != 5 {
		t.Fatalf("expect 5 items, got %v", got)
	}
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("items out of order: %v", got)
		}
	}
}

func TestStreamStartErrors(t *testing.T) {
	srv := New()
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for method, want := range map[string]rpcerr.Code{
		"add":   rpcerr.CodeMethodNotFound,
		"nope":  rpcerr.CodeMethodNotFound,
		"range": rpcerr.CodeInvalidParameters, // Missing params
	} {
		sub, err := conn.OpenStream(ctx, "Calc", method)
		if err != nil {
			t.Fatalf("OpenStream %s failed: %v", method, err)
		}
		if _, err := sub.Next(ctx); rpcerr.CodeOf(err) != want {
			t.Fatalf("%s: expect %s, got %v", method, want, err)
		}
	}
}

func TestStreamEndCancelsProducer(t *testing.T) {
	stopped := make(chan struct{})
	srv := New()
	if err := srv.Register(calc(stopped)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := conn.OpenStream(ctx, "Calc", "ticks")
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("expect a first tick, got %v", err)
	}
	sub.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running after stream_end")
	}
}

func TestSecurityChecks(t *testing.T) {
	acl, err := security.ParseACL([]string{"alice:Calc.*"})
	if err != nil {
		t.Fatal(err)
	}
	srv := New(WithSecurity(
		security.NewTokenAuthenticator(map[string]string{"t-alice": "alice", "t-bob": "bob"}),
		acl,
		security.NewTokenBucketLimiter(0.001, 2),
	))
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	url := startServer(t, srv)

	anon := dial(t, url, nil, nil, codec.TypeJSON)
	if _, err := callInt(t, anon, "add", 1, 2); !errors.Is(err, rpcerr.ErrAuthentication) {
		t.Fatalf("expect AUTHENTICATION_ERROR without token, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := anon.OpenStream(ctx, "Calc", "range", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, rpcerr.ErrAuthentication) {
		t.Fatalf("expect AUTHENTICATION_ERROR on stream, got %v", err)
	}

	bob := dial(t, url+"?token=t-bob", nil, nil, codec.TypeJSON)
	if _, err := callInt(t, bob, "add", 1, 2); !errors.Is(err, rpcerr.ErrAuthorization) {
		t.Fatalf("expect AUTHORIZATION_ERROR for bob, got %v", err)
	}

	alice := dial(t, url, http.Header{"Authorization": {"Bearer t-alice"}}, nil, codec.TypeJSON)
	for i := 0; i < 2; i++ {
		if _, err := callInt(t, alice, "add", 1, 2); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if _, err := callInt(t, alice, "add", 1, 2); !errors.Is(err, rpcerr.ErrRateLimitExceeded) {
		t.Fatalf("expect RATE_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestMiddlewareAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(WithMetrics(m))

	var seen atomic.Value
	srv.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *middleware.Request) (json.RawMessage, error) {
			seen.Store(req.Service + "." + req.Method)
			return next(ctx, req)
		}
	})
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, startServer(t, srv), nil, nil, codec.TypeJSON)

	if _, err := callInt(t, conn, "add", 1, 1); err != nil {
		t.Fatal(err)
	}
	if got := seen.Load(); got != "Calc.add" {
		t.Fatalf("middleware saw %v", got)
	}
	conn.Call(context.Background(), "Calc", "nope")

	n, err := testutil.GatherAndCount(reg, "wsrpc_server_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expect 2 request series (OK and METHOD_NOT_FOUND), got %d", n)
	}
}

func TestShutdownDrainsAndDeregisters(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	svc := NewService("Slow").Unary("wait", Unary0(func(context.Context) (string, error) {
		close(entered)
		<-release
		return "done", nil
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	url := "ws://" + ln.Addr().String() + "/rpc"
	reg := registry.NewMemoryRegistry()
	srv := New(WithRegistry(reg, url, 0))
	if err := srv.Register(svc); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln, "/rpc") }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		instances, _ := reg.Discover(context.Background(), "Slow")
		if len(instances) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dial(t, url, nil, nil, codec.TypeJSON)
	result := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Slow", "wait")
		result <- err
	}()
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- srv.Shutdown(2 * time.Second) }()

	deadline = time.Now().Add(2 * time.Second)
	for {
		instances, _ := reg.Discover(context.Background(), "Slow")
		if len(instances) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service not deregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	if err := <-result; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if n := srv.Connections(); n != 0 {
		t.Fatalf("expect no connections after shutdown, got %d", n)
	}
}

func TestRegisterRejectsBadServices(t *testing.T) {
	srv := New()
	if err := srv.Register(calc(nil)); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(calc(nil)); err == nil {
		t.Fatal("expect duplicate service to fail")
	}
	dup := NewService("Dup").Unary("a", Unary0(func(context.Context) (int, error) { return 0, nil })).
		Stream("a", func(context.Context, message.Params, Emit) error { return nil })
	if err := srv.Register(dup); err == nil {
		t.Fatal("expect duplicate method to fail")
	}
	if err := srv.Register(NewService("")); err == nil {
		t.Fatal("expect empty service name to fail")
	}
}
