package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"wsrpc/codec"
	"wsrpc/loadbalance"
	"wsrpc/registry"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
	"wsrpc/security"
	"wsrpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Sum    int
	Server string
}

func startCalc(t *testing.T, name string, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	srv := server.New(opts...)
	svc := server.NewService("Calc").
		Unary("add", server.Unary1(func(_ context.Context, a Args) (Reply, error) {
			return Reply{Sum: a.A + a.B, Server: name}, nil
		})).
		Stream("count", server.Stream1(func(_ context.Context, n int, emit server.Emit) error {
			for i := 1; i <= n; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		}))
	if err := srv.Register(svc); err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown(time.Second)
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestCallThroughRegistryAndBalancer(t *testing.T) {
	_, urlA := startCalc(t, "a")
	_, urlB := startCalc(t, "b")

	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	reg.Register(ctx, "Calc", registry.ServiceInstance{URL: urlA, Weight: 1}, 0)
	reg.Register(ctx, "Calc", registry.ServiceInstance{URL: urlB, Weight: 1}, 0)

	cli := New(reg, &loadbalance.RoundRobinBalancer{})
	defer cli.Close()

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		var reply Reply
		if err := cli.Call(ctx, "Calc.add", &reply, Args{A: i, B: 1}); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
		if reply.Sum != i+1 {
			t.Fatalf("Call %d: expect %d, got %d", i, i+1, reply.Sum)
		}
		seen[reply.Server]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("expect calls spread evenly, got %v", seen)
	}
	if n := cli.pool.Len(); n != 2 {
		t.Fatalf("expect one connection per instance, got %d", n)
	}
}

func TestCallWithoutInstances(t *testing.T) {
	cli := New(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{})
	defer cli.Close()

	err := cli.Call(context.Background(), "Calc.add", nil, Args{})
	if !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect SERVICE_NOT_FOUND, got %v", err)
	}
	if err := cli.Call(context.Background(), "noDot", nil); err == nil {
		t.Fatal("expect malformed serviceMethod to fail")
	}
}

func TestDialWithTokenAndMapping(t *testing.T) {
	srv, url := startCalc(t, "a",
		server.WithResolver(resolver.New(resolver.Options{Enabled: true, Strategy: resolver.StrategySequential})),
		server.WithSecurity(security.NewTokenAuthenticator(map[string]string{"secret": "alice"}), nil, nil),
		server.WithCodec(codec.Get(codec.TypeBinary)),
	)
	mapping := resolver.New(resolver.Options{Enabled: true})
	if err := mapping.Import(srv.Resolver().Export()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := Dial(ctx, url, WithToken("secret"), WithResolver(mapping), WithCodec(codec.TypeBinary))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer cli.Close()

	var reply Reply
	if err := cli.Call(ctx, "Calc.add", &reply, Args{A: 20, B: 22}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reply.Sum != 42 {
		t.Fatalf("expect 42, got %d", reply.Sum)
	}

	sub, err := cli.Stream(ctx, "Calc.count", 3)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	total := 0
	for item, err := range sub.All(ctx) {
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		var n int
		if err := sonic.ConfigStd.Unmarshal(item, &n); err != nil {
			t.Fatal(err)
		}
		total += n
	}
	if total != 6 {
		t.Fatalf("expect items summing to 6, got %d", total)
	}

	anon, err := Dial(ctx, url, WithResolver(mapping), WithCodec(codec.TypeBinary))
	if err != nil {
		t.Fatal(err)
	}
	defer anon.Close()
	if err := anon.Call(ctx, "Calc.add", nil, Args{}); !errors.Is(err, rpcerr.ErrAuthentication) {
		t.Fatalf("expect AUTHENTICATION_ERROR without token, got %v", err)
	}
}
