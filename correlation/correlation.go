// Package correlation matches asynchronous replies to outstanding unary calls.
//
// Every call is registered under its message id BEFORE the request is written,
// so the receive loop can never see a reply whose call is not yet known:
//
//	caller ──Register(id)──→ pending[id] ──send request──→ peer
//	recvLoop ←── response(id) ──Complete(id)──→ pending[id].done closes → caller wakes up
//
// A call completes exactly once: by reply, by Fail/FailAll, by its deadline, or
// by the caller's context. Whichever path removes the entry from the registry
// owns the completion; the others observe the result.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wsrpc/message"
	"wsrpc/metrics"
	"wsrpc/rpcerr"
)

// ErrDuplicateID is returned by Register when the id is already pending.
// Message ids are unique per connection; a duplicate is a caller bug.
var ErrDuplicateID = errors.New("correlation: duplicate message id")

// expiredMemory bounds how many timed-out ids are remembered so a late reply
// can be told apart from a reply nobody asked for.
const expiredMemory = 1024

// Call is one outstanding unary call.
type Call struct {
	ID       string
	started  time.Time
	deadline time.Time // Zero when the call has no timeout
	done     chan struct{}
	msg      message.Message
	err      error
}

// Engine is the single owner of the pending-call registry. Safe for
// concurrent use by caller goroutines and the receive loop.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*Call
	expired map[string]struct{}
	order   []string // expired ids, oldest first

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New returns an empty engine. logger and m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pending: make(map[string]*Call),
		expired: make(map[string]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Register adds a pending call. A timeout of zero or less means the call waits
// until it is completed or its context ends.
func (e *Engine) Register(id string, timeout time.Duration) (*Call, error) {
	now := time.Now()
	c := &Call{ID: id, started: now, done: make(chan struct{})}
	if timeout > 0 {
		// time.Now carries a monotonic reading, so the deadline is immune to wall-clock jumps.
		c.deadline = now.Add(timeout)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[id]; ok {
		return nil, ErrDuplicateID
	}
	e.pending[id] = c
	e.metrics.AddPending(1)
	return c, nil
}

// take removes id from the registry. It returns nil when the call is not
// pending, i.e. when someone else already owns its completion.
func (e *Engine) take(id string) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	e.metrics.AddPending(-1)
	return c
}

func (c *Call) resolve(msg message.Message, err error) {
	c.msg, c.err = msg, err
	close(c.done)
}

// Complete delivers a response or error reply. It reports whether the reply was
// consumed: true for a pending call and for a late reply to a call that already
// timed out (logged and discarded), false for an id never seen.
func (e *Engine) Complete(id string, msg message.Message) bool {
	if c := e.take(id); c != nil {
		c.resolve(msg, nil)
		return true
	}

	e.mu.Lock()
	_, late := e.expired[id]
	e.mu.Unlock()
	if late {
		e.logger.Debug("late reply discarded", zap.String("message_id", id), zap.String("kind", string(msg.Kind())))
		e.metrics.FrameDropped("late_reply")
	}
	return late
}

// Fail completes a pending call with err.
func (e *Engine) Fail(id string, err error) bool {
	c := e.take(id)
	if c == nil {
		return false
	}
	c.resolve(nil, err)
	return true
}

// FailAll completes every pending call with err and returns how many there were.
func (e *Engine) FailAll(err error) int {
	e.mu.Lock()
	calls := e.pending
	e.pending = make(map[string]*Call)
	e.metrics.AddPending(-len(calls))
	e.mu.Unlock()

	for _, c := range calls {
		c.resolve(nil, err)
	}
	return len(calls)
}

// Remove drops a pending call without completing it. Used when the request
// could not be sent.
func (e *Engine) Remove(id string) {
	e.take(id)
}

// Len returns the number of pending calls.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Has reports whether id is pending.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

func (e *Engine) remember(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expired[id] = struct{}{}
	e.order = append(e.order, id)
	if len(e.order) > expiredMemory {
		delete(e.expired, e.order[0])
		e.order = e.order[1:]
	}
}

// Wait blocks until c completes, its deadline passes, or ctx ends. Only the
// calling goroutine is suspended.
//
// A response is returned as the message; an error reply is returned as an
// *rpcerr.Error. On timeout the call is removed and a TIMEOUT error returned;
// on ctx cancellation the call is removed and ctx.Err() returned. The request
// already on the wire is not retracted in either case.
func (e *Engine) Wait(ctx context.Context, c *Call) (message.Message, error) {
	var expire <-chan time.Time
	if !c.deadline.IsZero() {
		timer := time.NewTimer(time.Until(c.deadline))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-c.done:
	case <-expire:
		if e.take(c.ID) != nil {
			e.remember(c.ID)
			c.resolve(nil, rpcerr.Newf(rpcerr.CodeTimeout, "call %s timed out after %s", c.ID, c.deadline.Sub(c.started)))
		}
	case <-ctx.Done():
		if e.take(c.ID) != nil {
			c.resolve(nil, ctx.Err())
		}
	}
	<-c.done

	msg, err := c.msg, c.err
	if err == nil {
		if rerr := rpcerr.FromMessage(msg); rerr != nil {
			msg, err = nil, rerr
		}
	}
	e.metrics.CallFinished(outcome(err), time.Since(c.started))
	return msg, err
}

// Do registers id, runs send, and waits for the reply. If send fails the call
// is removed and the send error returned.
func (e *Engine) Do(ctx context.Context, id string, timeout time.Duration, send func() error) (message.Message, error) {
	c, err := e.Register(id, timeout)
	if err != nil {
		return nil, err
	}
	if err := send(); err != nil {
		e.Remove(id)
		return nil, err
	}
	return e.Wait(ctx, c)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpcerr.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, rpcerr.ErrConnectionClosed), errors.Is(err, rpcerr.ErrConnectionFailed):
		return "connection"
	}
	return "error"
}
