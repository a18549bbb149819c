package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Register(ctx, "Calc", ServiceInstance{URL: "ws://b/rpc", Weight: 1}, 0)
	reg.Register(ctx, "Calc", ServiceInstance{URL: "ws://a/rpc", Weight: 2}, 0)
	reg.Register(ctx, "Other", ServiceInstance{URL: "ws://c/rpc"}, 0)

	instances, _ := reg.Discover(ctx, "Calc")
	if len(instances) != 2 || instances[0].URL != "ws://a/rpc" {
		t.Fatalf("unexpected instances %+v", instances)
	}

	reg.Deregister(ctx, "Calc", "ws://a/rpc")
	instances, _ = reg.Discover(ctx, "Calc")
	if len(instances) != 1 || instances[0].URL != "ws://b/rpc" {
		t.Fatalf("unexpected instances after deregister %+v", instances)
	}

	if instances, _ := reg.Discover(ctx, "Missing"); len(instances) != 0 {
		t.Fatalf("expect no instances, got %+v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "Calc")

	reg.Register(context.Background(), "Calc", ServiceInstance{URL: "ws://a/rpc"}, 0)
	reg.Register(context.Background(), "Calc", ServiceInstance{URL: "ws://b/rpc"}, 0)

	select {
	case instances := <-updates:
		if len(instances) != 2 {
			t.Fatalf("expect the latest list with 2 instances, got %+v", instances)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
