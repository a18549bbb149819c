package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"wsrpc/rpcerr"
)

// State is the lifecycle position of a stream.
type State int

const (
	StateStarted   State = iota // Opened, no item yet
	StateActive                 // At least one item arrived
	StateEnded                  // Peer sent stream_end
	StateErrored                // Peer sent stream_error, or a local fault
	StateCancelled              // Last subscriber detached
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no more items can arrive.
func (s State) Terminal() bool { return s >= StateEnded }

// ErrClosed is returned by Next after the subscription was closed.
var ErrClosed = errors.New("stream: subscription closed")

// Stream is one active stream.
type Stream struct {
	ID string

	manager  *Manager
	onCancel func(id string)
	cancel   sync.Once

	mu        sync.Mutex
	state     State
	err       error
	subs      map[*Subscription]struct{}
	firstItem *time.Timer
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribers returns the number of attached subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscribe attaches another consumer. It sees items that arrive from now on.
func (s *Stream) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, rpcerr.Newf(rpcerr.CodeStreamError, "stream %s is %s", s.ID, s.state)
	}
	return s.newSubscription(), nil
}

// newSubscription must be called with s.mu held or before s is shared.
func (s *Stream) newSubscription() *Subscription {
	sub := &Subscription{
		stream: s,
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Stream) deliver(ctx context.Context, item json.RawMessage) {
	opts := s.manager.opts
	var window <-chan time.Time

	for {
		s.mu.Lock()
		if s.state.Terminal() {
			s.mu.Unlock()
			return
		}
		full := s.fullSubscription(opts.BufferSize)
		if full == nil {
			for sub := range s.subs {
				sub.queue = append(sub.queue, item)
				signal(sub.ready)
			}
			if s.state == StateStarted {
				s.state = StateActive
				if s.firstItem != nil {
					s.firstItem.Stop()
				}
			}
			s.mu.Unlock()
			opts.Metrics.StreamItem()
			return
		}
		space := full.space
		s.mu.Unlock()

		if opts.Overflow == OverflowFail {
			s.overflow()
			return
		}
		if window == nil && opts.BackpressureWindow > 0 {
			timer := time.NewTimer(opts.BackpressureWindow)
			defer timer.Stop()
			window = timer.C
		}
		select {
		case <-space:
		case <-window:
			s.overflow()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) fullSubscription(limit int) *Subscription {
	if limit <= 0 {
		return nil
	}
	for sub := range s.subs {
		if len(sub.queue) >= limit {
			return sub
		}
	}
	return nil
}

func (s *Stream) overflow() {
	err := rpcerr.Newf(rpcerr.CodeStreamError, "consumer too slow on stream %s", s.ID)
	if s.finish(StateErrored, err, false) {
		s.manager.opts.Logger.Warn("stream overflow, cancelling upstream",
			zap.String("stream_id", s.ID),
			zap.String("policy", string(s.manager.opts.Overflow)),
		)
		s.cancelUpstream()
	}
}

// finish moves the stream to a terminal state. It reports whether this call
// made the transition; later terminal signals are ignored. With onlyIfStarted
// the transition happens only if no item has arrived yet.
func (s *Stream) finish(state State, err error, onlyIfStarted bool) bool {
	s.mu.Lock()
	ok := s.finishLocked(state, err, onlyIfStarted)
	s.mu.Unlock()
	if ok {
		s.release()
	}
	return ok
}

// finishLocked moves s to a terminal state. s.mu must be held; release must
// follow once it is dropped.
func (s *Stream) finishLocked(state State, err error, onlyIfStarted bool) bool {
	if s.state.Terminal() || (onlyIfStarted && s.state != StateStarted) {
		return false
	}
	s.state = state
	s.err = err
	if s.firstItem != nil {
		s.firstItem.Stop()
	}
	for sub := range s.subs {
		signal(sub.ready)
		signal(sub.space)
	}
	return true
}

func (s *Stream) release() {
	s.manager.forget(s.ID)
	s.manager.opts.Metrics.AddStreams(-1)
}

func (s *Stream) cancelUpstream() {
	s.cancel.Do(func() {
		if s.onCancel != nil {
			s.onCancel(s.ID)
		}
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscription is one consumer's view of a stream. Next must not be called
// from more than one goroutine at a time.
type Subscription struct {
	stream   *Stream
	queue    []json.RawMessage // guarded by stream.mu
	detached bool              // guarded by stream.mu
	ready    chan struct{}     // an item or a terminal state is available
	space    chan struct{}     // the queue shrank
}

// StreamID returns the id of the underlying stream.
func (sub *Subscription) StreamID() string { return sub.stream.ID }

// Stream returns the underlying stream, e.g. to Subscribe another consumer.
func (sub *Subscription) Stream() *Stream { return sub.stream }

// Next returns the next item in arrival order. It returns io.EOF after the
// stream ended normally and the queue is drained, the stream's error after a
// failure, and ErrClosed after Close.
func (sub *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	s := sub.stream
	for {
		s.mu.Lock()
		if sub.detached {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(sub.queue) > 0 {
			item := sub.queue[0]
			sub.queue[0] = nil
			sub.queue = sub.queue[1:]
			signal(sub.space)
			s.mu.Unlock()
			return item, nil
		}
		if s.state.Terminal() {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-sub.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All ranges over the remaining items. The sequence ends after a clean end,
// yields a final error on failure, and closes the subscription when the loop
// exits, so breaking out early cancels the stream if no one else subscribes.
// It is not restartable.
func (sub *Subscription) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer sub.Close()
		for {
			item, err := sub.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Close detaches the subscription and discards its queued items. When it was
// the last subscriber of a live stream, the stream is cancelled upstream.
func (sub *Subscription) Close() {
	s := sub.stream

	s.mu.Lock()
	if sub.detached {
		s.mu.Unlock()
		return
	}
	sub.detached = true
	sub.queue = nil
	delete(s.subs, sub)
	signal(sub.space)
	signal(sub.ready)
	// Detaching the last subscriber and cancelling happen under one lock.
	last := false
	if len(s.subs) == 0 {
		last = s.finishLocked(StateCancelled, rpcerr.Newf(rpcerr.CodeStreamError, "stream %s cancelled", s.ID), false)
	}
	s.mu.Unlock()

	if last {
		s.release()
		s.manager.opts.Logger.Debug("stream cancelled by last subscriber", zap.String("stream_id", s.ID))
		s.cancelUpstream()
	}
}
