// Package stream tracks the streams a connection has opened and delivers their
// items to subscribers in arrival order.
//
// A stream is shared by reference count: every Subscription has its own queue
// and sees every item that arrives after it subscribed. When the last
// subscription detaches from a live stream the stream becomes Cancelled and the
// cancel hook runs exactly once, which the connection uses to send stream_end
// upstream.
//
//	recvLoop ──Deliver(id, item)──→ Stream ──┬──→ Subscription A queue ──→ Next()
//	                                         └──→ Subscription B queue ──→ Next()
//
// Bounded queues apply backpressure to the receive loop. Under the "block"
// policy Deliver waits up to the backpressure window for the slowest
// subscriber; when the window elapses, or at once under "fail", the stream is
// errored locally with STREAM_ERROR and cancelled upstream. Items are never
// dropped silently and the connection stays up.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wsrpc/metrics"
	"wsrpc/rpcerr"
)

// OverflowPolicy selects what a full bounded queue does to the receive loop.
type OverflowPolicy string

const (
	OverflowBlock OverflowPolicy = "block" // Wait up to BackpressureWindow, then error the stream
	OverflowFail  OverflowPolicy = "fail"  // Error the stream immediately
)

// ErrDuplicateStream is returned by Open when the id is already active.
var ErrDuplicateStream = errors.New("stream: duplicate stream id")

// recentMemory bounds how many terminated stream ids are remembered, so frames
// still in flight for them are ignored rather than reported as unknown.
const recentMemory = 1024

// Options configures a Manager.
type Options struct {
	BufferSize         int // Per-subscription queue bound; 0 means unbounded
	Overflow           OverflowPolicy
	BackpressureWindow time.Duration // 0 means wait indefinitely under OverflowBlock
	FirstItemTimeout   time.Duration // 0 disables
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// Validate reports unusable options.
func (o Options) Validate() error {
	switch o.Overflow {
	case "", OverflowBlock, OverflowFail:
	default:
		return fmt.Errorf("stream: unknown overflow policy %q", o.Overflow)
	}
	if o.BufferSize < 0 {
		return fmt.Errorf("stream: negative buffer size %d", o.BufferSize)
	}
	return nil
}

// Manager is the single owner of the active-stream registry.
type Manager struct {
	opts Options

	mu      sync.Mutex
	streams map[string]*Stream
	recent  map[string]struct{}
	order   []string
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Overflow == "" {
		opts.Overflow = OverflowBlock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		streams: make(map[string]*Stream),
		recent:  make(map[string]struct{}),
	}
}

// Open registers a stream and returns its first subscription. onCancel runs
// at most once, when the stream is torn down locally (last subscriber gone,
// overflow, first-item timeout) and the peer must be told to stop.
func (m *Manager) Open(id string, onCancel func(id string)) (*Subscription, error) {
	s := &Stream{
		ID:       id,
		manager:  m,
		onCancel: onCancel,
		state:    StateStarted,
		subs:     make(map[*Subscription]struct{}),
	}
	sub := s.newSubscription()

	m.mu.Lock()
	if _, ok := m.streams[id]; ok {
		m.mu.Unlock()
		return nil, ErrDuplicateStream
	}
	m.streams[id] = s
	m.mu.Unlock()
	m.opts.Metrics.AddStreams(1)

	if d := m.opts.FirstItemTimeout; d > 0 {
		s.mu.Lock()
		s.firstItem = time.AfterFunc(d, func() {
			err := rpcerr.Newf(rpcerr.CodeTimeout, "no item on stream %s within %s", id, d)
			if s.finish(StateErrored, err, true) {
				m.opts.Logger.Warn("stream first item timeout", zap.String("stream_id", id), zap.Duration("timeout", d))
				s.cancelUpstream()
			}
		})
		s.mu.Unlock()
	}
	return sub, nil
}

// Get returns the live stream with id.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// recentlyClosed reports whether id belonged to a stream that already
// terminated.
func (m *Manager) recentlyClosed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recent[id]
	return ok
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.streams, id)
	m.recent[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > recentMemory {
		delete(m.recent, m.order[0])
		m.order = m.order[1:]
	}
}

// Deliver appends item to every subscription of stream id, applying the
// overflow policy when a queue is full. It reports whether the id was known:
// items for a stream that already terminated are discarded and reported as
// known; ids never seen return false.
//
// ctx bounds the wait under OverflowBlock; it is normally the receive loop's
// lifetime.
func (m *Manager) Deliver(ctx context.Context, id string, item json.RawMessage) bool {
	s, ok := m.Get(id)
	if !ok {
		if m.recentlyClosed(id) {
			m.opts.Logger.Debug("item for terminated stream discarded", zap.String("stream_id", id))
			return true
		}
		return false
	}
	s.deliver(ctx, item)
	return true
}

// End completes stream id normally. Queued items stay readable. A second
// terminal message for the same id is ignored.
func (m *Manager) End(id string) bool {
	return m.terminate(id, StateEnded, nil)
}

// Fail terminates stream id with err after its queued items.
func (m *Manager) Fail(id string, err error) bool {
	return m.terminate(id, StateErrored, err)
}

func (m *Manager) terminate(id string, state State, err error) bool {
	s, ok := m.Get(id)
	if !ok {
		return m.recentlyClosed(id)
	}
	s.finish(state, err, false)
	return true
}

// FailAll terminates every live stream with err. The peer is not notified;
// this is for connection loss.
func (m *Manager) FailAll(err error) int {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range streams {
		if s.finish(StateErrored, err, false) {
			n++
		}
	}
	return n
}

// Len returns the number of live streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
