package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"wsrpc/rpcerr"
)

func item(n int) json.RawMessage { return json.RawMessage(strconv.Itoa(n)) }

func collect(t *testing.T, sub *Subscription) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for v, err := range sub.All(ctx) {
		if err != nil {
			return got, err
		}
		got = append(got, string(v))
	}
	return got, nil
}

func TestOrderedDelivery(t *testing.T) {
	m := NewManager(Options{})
	sub, err := m.Open("s1", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if !m.Deliver(context.Background(), "s1", item(i)) {
			t.Fatalf("Deliver %d: stream unknown", i)
		}
	}
	m.End("s1")

	got, err := collect(t, sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1", "2", "3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("ended stream still registered")
	}
}

func TestStreamErrorAfterItems(t *testing.T) {
	m := NewManager(Options{})
	sub, _ := m.Open("s1", nil)
	m.Deliver(context.Background(), "s1", item(1))
	m.Fail("s1", rpcerr.New(rpcerr.CodeStreamError, "producer failed"))

	got, err := collect(t, sub)
	if len(got) != 1 || got[0] != "1" {
		t.Fatalf("queued item lost: %v", got)
	}
	if !errors.Is(err, rpcerr.ErrStream) {
		t.Fatalf("expect STREAM_ERROR, got %v", err)
	}
}

func TestTerminalIsIdempotent(t *testing.T) {
	m := NewManager(Options{})
	sub, _ := m.Open("s1", nil)

	if !m.End("s1") {
		t.Fatal("End on live stream should report known")
	}
	if !m.Fail("s1", errors.New("late")) {
		t.Fatal("second terminal for a recent stream should be ignored, not unknown")
	}
	if !m.Deliver(context.Background(), "s1", item(9)) {
		t.Fatal("item for a recent stream should be ignored, not unknown")
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expect io.EOF from first terminal, got %v", err)
	}
	if m.Deliver(context.Background(), "never", item(1)) {
		t.Fatal("unknown stream id must report false")
	}
}

func TestCancelAfterTwoItems(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{})
	sub, _ := m.Open("s1", func(id string) {
		if id != "s1" {
			t.Errorf("cancel for %s", id)
		}
		cancels.Add(1)
	})

	m.Deliver(context.Background(), "s1", item(1))
	m.Deliver(context.Background(), "s1", item(2))

	var got []string
	for v, err := range sub.All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(v))
		if string(v) == "2" {
			break
		}
	}
	if cancels.Load() != 1 {
		t.Fatalf("expect one upstream cancel, got %d", cancels.Load())
	}

	// Items already in flight from the peer are ignored.
	m.Deliver(context.Background(), "s1", item(3))
	sub.Close()
	if cancels.Load() != 1 {
		t.Fatalf("cancel must run once, ran %d times", cancels.Load())
	}
	if len(got) != 2 {
		t.Fatalf("observed %v after cancel", got)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestMulticast(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{})
	a, _ := m.Open("s1", func(string) { cancels.Add(1) })
	b, err := a.Stream().Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m.Deliver(context.Background(), "s1", item(1))
	m.Deliver(context.Background(), "s1", item(2))

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		for _, want := range []string{"1", "2"} {
			v, err := sub.Next(context.Background())
			if err != nil || string(v) != want {
				t.Fatalf("%s: got %s, %v; want %s", name, v, err, want)
			}
		}
	}

	a.Close()
	if cancels.Load() != 0 {
		t.Fatal("upstream cancelled while a subscriber remains")
	}
	m.Deliver(context.Background(), "s1", item(3))
	if v, _ := b.Next(context.Background()); string(v) != "3" {
		t.Fatalf("remaining subscriber missed item: %s", v)
	}

	b.Close()
	if cancels.Load() != 1 {
		t.Fatalf("expect one cancel after last detach, got %d", cancels.Load())
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("cancelled stream still registered")
	}
}

func TestLastDetachRacingSubscribe(t *testing.T) {
	for i := 0; i < 200; i++ {
		var cancels atomic.Int32
		m := NewManager(Options{})
		a, err := m.Open("s1", func(string) { cancels.Add(1) })
		if err != nil {
			t.Fatal(err)
		}
		s := a.Stream()

		joined := make(chan *Subscription, 1)
		go func() {
			b, _ := s.Subscribe()
			joined <- b
		}()
		a.Close()
		b := <-joined

		if b == nil {
			if cancels.Load() != 1 {
				t.Fatalf("run %d: expect cancel once the only subscriber left, got %d", i, cancels.Load())
			}
			continue
		}
		if cancels.Load() != 0 {
			t.Fatalf("run %d: upstream cancelled while a late subscriber is attached", i)
		}
		if s.State().Terminal() {
			t.Fatalf("run %d: stream ended under a live subscriber: %s", i, s.State())
		}
		b.Close()
		if cancels.Load() != 1 {
			t.Fatalf("run %d: expect cancel after the late subscriber left, got %d", i, cancels.Load())
		}
	}
}

func TestOverflowFail(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{BufferSize: 2, Overflow: OverflowFail})
	sub, _ := m.Open("s1", func(string) { cancels.Add(1) })

	for i := 1; i <= 3; i++ {
		m.Deliver(context.Background(), "s1", item(i))
	}

	got, err := collect(t, sub)
	if len(got) != 2 {
		t.Fatalf("expect the two buffered items, got %v", got)
	}
	if !errors.Is(err, rpcerr.ErrStream) {
		t.Fatalf("expect STREAM_ERROR, got %v", err)
	}
	if cancels.Load() != 1 {
		t.Fatalf("overflow must cancel upstream once, got %d", cancels.Load())
	}
}

func TestBackpressureBlocksUntilDrained(t *testing.T) {
	m := NewManager(Options{BufferSize: 1, Overflow: OverflowBlock, BackpressureWindow: time.Second})
	sub, _ := m.Open("s1", nil)

	m.Deliver(context.Background(), "s1", item(1))

	delivered := make(chan struct{})
	go func() {
		m.Deliver(context.Background(), "s1", item(2))
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("Deliver should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if v, _ := sub.Next(context.Background()); string(v) != "1" {
		t.Fatalf("got %s, want 1", v)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("Deliver still blocked after the consumer drained")
	}
	if v, _ := sub.Next(context.Background()); string(v) != "2" {
		t.Fatalf("got %s, want 2", v)
	}
}

func TestBackpressureWindowElapses(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{BufferSize: 1, BackpressureWindow: 30 * time.Millisecond})
	sub, _ := m.Open("s1", func(string) { cancels.Add(1) })

	m.Deliver(context.Background(), "s1", item(1))
	start := time.Now()
	m.Deliver(context.Background(), "s1", item(2))
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Fatalf("Deliver returned after %s, before the window", waited)
	}

	if got, err := collect(t, sub); len(got) != 1 || !errors.Is(err, rpcerr.ErrStream) {
		t.Fatalf("got %v, %v; want one item then STREAM_ERROR", got, err)
	}
	if cancels.Load() != 1 {
		t.Fatalf("expect one upstream cancel, got %d", cancels.Load())
	}
}

func TestFirstItemTimeout(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{FirstItemTimeout: 30 * time.Millisecond})
	sub, _ := m.Open("s1", func(string) { cancels.Add(1) })

	_, err := sub.Next(context.Background())
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect TIMEOUT, got %v", err)
	}
	if cancels.Load() != 1 {
		t.Fatalf("expect one upstream cancel, got %d", cancels.Load())
	}
}

func TestFirstItemTimeoutDisarmedByItem(t *testing.T) {
	m := NewManager(Options{FirstItemTimeout: 30 * time.Millisecond})
	sub, _ := m.Open("s1", nil)
	m.Deliver(context.Background(), "s1", item(1))

	time.Sleep(60 * time.Millisecond)
	if st, _ := m.Get("s1"); st == nil || st.State() != StateActive {
		t.Fatal("stream should still be active after its first item")
	}
	if v, err := sub.Next(context.Background()); err != nil || string(v) != "1" {
		t.Fatalf("got %s, %v", v, err)
	}
}

func TestFailAll(t *testing.T) {
	var cancels atomic.Int32
	m := NewManager(Options{})
	a, _ := m.Open("a", func(string) { cancels.Add(1) })
	b, _ := m.Open("b", func(string) { cancels.Add(1) })

	if n := m.FailAll(rpcerr.New(rpcerr.CodeConnectionClosed, "dropped")); n != 2 {
		t.Fatalf("expect 2 failed streams, got %d", n)
	}
	for _, sub := range []*Subscription{a, b} {
		if _, err := sub.Next(context.Background()); !errors.Is(err, rpcerr.ErrConnectionClosed) {
			t.Fatalf("expect CONNECTION_CLOSED, got %v", err)
		}
	}
	if cancels.Load() != 0 {
		t.Fatal("connection loss must not send cancels upstream")
	}
	if m.Len() != 0 {
		t.Fatal("failed streams still registered")
	}
}

func TestDuplicateOpen(t *testing.T) {
	m := NewManager(Options{})
	if _, err := m.Open("s1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("s1", nil); !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("expect ErrDuplicateStream, got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	if err := (Options{Overflow: "drop"}).Validate(); err == nil {
		t.Fatal("expect error for unknown policy")
	}
	if err := (Options{BufferSize: -1}).Validate(); err == nil {
		t.Fatal("expect error for negative buffer")
	}
}
