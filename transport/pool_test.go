package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPoolSharesOneConnectionPerURL(t *testing.T) {
	peers := map[string]*pipePeer{
		"ws://a/rpc": {handler: echo},
		"ws://b/rpc": {handler: echo},
	}
	pool := NewPool(func(url string) Dialer { return peers[url].dial }, WithPingInterval(0), WithoutReconnect())
	defer pool.Close()

	var wg sync.WaitGroup
	conns := make([]*Connection, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Get(context.Background(), "ws://a/rpc")
			if err != nil {
				t.Errorf("Get %d: %v", i, err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns[1:] {
		if c != conns[0] {
			t.Fatal("expect every Get for one url to share a connection")
		}
	}
	if n := peers["ws://a/rpc"].dials.Load(); n != 1 {
		t.Fatalf("expect 1 dial, got %d", n)
	}

	if _, err := pool.Get(context.Background(), "ws://b/rpc"); err != nil {
		t.Fatal(err)
	}
	if pool.Len() != 2 {
		t.Fatalf("expect 2 pooled connections, got %d", pool.Len())
	}
	for _, p := range peers {
		p.close()
	}
}

func TestPoolReplacesDeadConnection(t *testing.T) {
	p := &pipePeer{handler: echo}
	pool := NewPool(func(string) Dialer { return p.dial }, WithPingInterval(0), WithoutReconnect())
	defer pool.Close()
	defer p.close()

	first, err := pool.Get(context.Background(), "ws://a/rpc")
	if err != nil {
		t.Fatal(err)
	}
	p.server(0).Disconnect()
	waitState(t, first, StateDisconnected)

	second, err := pool.Get(context.Background(), "ws://a/rpc")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expect a fresh connection after the old one died")
	}
	if _, err := second.Call(context.Background(), "Echo", "echo", 1); err != nil {
		t.Fatalf("call on replacement failed: %v", err)
	}
}

func TestPoolDropsFailedDialAndClose(t *testing.T) {
	refused := errors.New("refused")
	p := &pipePeer{handler: echo, refuse: func(n int32) error {
		if n == 1 {
			return refused
		}
		return nil
	}}
	pool := NewPool(func(string) Dialer { return p.dial }, WithPingInterval(0), WithoutReconnect())
	defer p.close()

	if _, err := pool.Get(context.Background(), "ws://a/rpc"); err == nil {
		t.Fatal("expect the first dial to fail")
	}
	if pool.Len() != 0 {
		t.Fatalf("failed connection kept in pool")
	}
	c, err := pool.Get(context.Background(), "ws://a/rpc")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expect pooled connection closed, got %s", c.State())
	}
	if _, err := pool.Get(context.Background(), "ws://a/rpc"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
}
