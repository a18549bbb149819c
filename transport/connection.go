// Package transport carries wsrpc messages over a duplex channel and keeps
// the session alive across channel drops.
//
// A Connection owns one Channel at a time. Every channel gets a generation
// number and its own receive and heartbeat goroutines; when the channel
// drops, everything waiting on it fails and a fresh generation is dialed.
//
//	Call ──register──→ correlation.Engine ←── response/error ──┐
//	  └──Send──→ Channel ──→ peer                              │
//	                   recvLoop(gen) ── decode ── dispatch ────┤
//	OpenStream ──→ stream.Manager ←── stream_data/end/error ───┤
//	                      Handler ←── request/stream_start ────┘
//
// States follow Disconnected → Connecting → Connected, Connected →
// Reconnecting on drop (or Disconnected without auto-reconnect), and any
// state → Closed on Disconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"wsrpc/correlation"
	"wsrpc/message"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
	"wsrpc/stream"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection is one logical session over a sequence of channels.
type Connection struct {
	opts    Options
	dial    Dialer // nil for accepted connections
	log     *zap.Logger
	engine  *correlation.Engine
	streams *stream.Manager

	mu      sync.Mutex
	state   State
	changed chan struct{} // Closed and replaced on every state change
	ch      Channel
	gen     uint64
	stopGen context.CancelFunc

	life     context.Context // Ends on Disconnect
	stopLife context.CancelFunc
	done     chan struct{}
}

func newConnection(dial Dialer, opts []Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Codec == nil {
		o.Codec = defaultOptions().Codec
	}
	if o.Stream.Logger == nil {
		o.Stream.Logger = o.Logger
	}
	if o.Stream.Metrics == nil {
		o.Stream.Metrics = o.Metrics
	}

	o.Metrics.StateChanged("", StateDisconnected.String())
	life, stop := context.WithCancel(context.Background())
	return &Connection{
		opts:     o,
		dial:     dial,
		log:      o.Logger,
		engine:   correlation.New(o.Logger, o.Metrics),
		streams:  stream.NewManager(o.Stream),
		state:    StateDisconnected,
		changed:  make(chan struct{}),
		life:     life,
		stopLife: stop,
		done:     make(chan struct{}),
	}
}

// NewConnection returns a client connection in the Disconnected state.
// Connect dials through dial; reconnects dial through it again.
func NewConnection(dial Dialer, opts ...Option) *Connection {
	return newConnection(dial, opts)
}

// Accept wraps a channel the server already holds. The connection starts
// Connected and moves to Closed when the channel drops.
func Accept(ch Channel, opts ...Option) *Connection {
	c := newConnection(nil, opts)
	c.mu.Lock()
	c.attach(ch)
	c.setState(StateConnected)
	c.mu.Unlock()
	return c
}

// setState must be called with mu held.
func (c *Connection) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	c.log.Debug("connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if to == StateClosed {
		c.opts.Metrics.StateChanged(from.String(), "")
		close(c.done)
		return
	}
	c.opts.Metrics.StateChanged(from.String(), to.String())
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Pending returns the number of calls awaiting a reply.
func (c *Connection) Pending() int { return c.engine.Len() }

// ActiveStreams returns the number of live inbound streams.
func (c *Connection) ActiveStreams() int { return c.streams.Len() }

// Connect dials the first channel. With auto-reconnect the dial is retried
// under the reconnect policy. Connecting an already connected connection is
// a no-op; a connect in progress is awaited.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return rpcerr.New(rpcerr.CodeConnectionClosed, "connection closed")
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		_, _, err := c.wait(ctx, true)
		return err
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	ch, err := c.establish(ctx, c.opts.AutoReconnect)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		if ch != nil {
			_ = ch.Close()
		}
		return rpcerr.New(rpcerr.CodeConnectionClosed, "connection closed while connecting")
	}
	if err != nil {
		c.setState(StateDisconnected)
		return rpcerr.Wrap(rpcerr.CodeConnectionFailed, err)
	}
	c.attach(ch)
	c.setState(StateConnected)
	c.log.Info("connected")
	return nil
}

// Disconnect closes the connection for good. Pending calls and streams fail
// with CONNECTION_CLOSED.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	ch := c.ch
	c.ch = nil
	if c.stopGen != nil {
		c.stopGen()
	}
	c.stopLife()
	c.setState(StateClosed)
	c.mu.Unlock()

	var err error
	if ch != nil {
		if err = ch.Close(); errors.Is(err, ErrChannelClosed) {
			err = nil
		}
	}
	c.failAll(rpcerr.New(rpcerr.CodeConnectionClosed, "connection closed"))
	return err
}

// Close is Disconnect.
func (c *Connection) Close() error { return c.Disconnect() }

// establish dials a channel, retrying under the reconnect policy when retry
// is set. It gives up early when the connection is disconnected.
func (c *Connection) establish(ctx context.Context, retry bool) (Channel, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	if !retry {
		return c.dial(ctx)
	}
	attempt := 0
	return backoff.Retry(ctx, func() (Channel, error) {
		attempt++
		ch, err := c.dial(ctx)
		if err != nil {
			c.opts.Metrics.ReconnectAttempt("failure")
			return nil, err
		}
		c.opts.Metrics.ReconnectAttempt("success")
		return ch, nil
	},
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(max(c.opts.MaxReconnectAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("dial failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
		}),
	)
}

func (c *Connection) backOff() backoff.BackOff {
	if !c.opts.ExponentialBackoff {
		return backoff.NewConstantBackOff(c.opts.ReconnectDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	if c.opts.MaxReconnectDelay > 0 {
		b.MaxInterval = c.opts.MaxReconnectDelay
	}
	return b
}

// attach starts a new generation on ch. mu must be held.
func (c *Connection) attach(ch Channel) {
	c.gen++
	ctx, cancel := context.WithCancel(c.life)
	c.ch, c.stopGen = ch, cancel

	go c.recvLoop(ctx, c.gen, ch)
	if c.opts.PingInterval > 0 {
		go c.heartbeatLoop(ctx, c.gen, ch)
	}
}

// channelLost tears down generation gen. Later reports for the same or an
// older generation are ignored.
func (c *Connection) channelLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.ch == nil || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	ch := c.ch
	c.ch = nil
	c.stopGen()

	next := StateDisconnected
	switch {
	case c.dial == nil:
		next = StateClosed
		c.stopLife()
	case c.opts.AutoReconnect:
		next = StateReconnecting
	}
	c.setState(next)
	c.mu.Unlock()

	_ = ch.Close()
	c.log.Warn("channel lost", zap.Uint64("generation", gen), zap.Stringer("next", next), zap.Error(cause))
	c.failAll(rpcerr.Wrap(rpcerr.CodeConnectionClosed, cause))

	if next == StateReconnecting {
		go c.reconnect()
	}
}

func (c *Connection) reconnect() {
	ch, err := c.establish(c.life, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReconnecting {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		c.setState(StateDisconnected)
		c.log.Error("reconnect failed", zap.Int("max_attempts", c.opts.MaxReconnectAttempts), zap.Error(err))
		return
	}
	c.attach(ch)
	c.setState(StateConnected)
	c.log.Info("reconnected", zap.Uint64("generation", c.gen))
}

func (c *Connection) failAll(err error) {
	calls := c.engine.FailAll(err)
	streams := c.streams.FailAll(err)
	if calls+streams > 0 {
		c.log.Debug("failed in-flight work", zap.Int("calls", calls), zap.Int("streams", streams), zap.Error(err))
	}
}

func (c *Connection) recvLoop(ctx context.Context, gen uint64, ch Channel) {
	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			c.channelLost(gen, err)
			return
		}
		msg, err := c.opts.Codec.Decode(frame)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Int("size", len(frame)), zap.Error(err))
			c.opts.Metrics.FrameDropped("malformed")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Connection) dispatch(ctx context.Context, msg message.Message) {
	known := true
	switch m := msg.(type) {
	case *message.Response, *message.Error:
		known = c.engine.Complete(m.ID(), m)
	case *message.StreamData:
		known = c.streams.Deliver(ctx, m.StreamID, m.Data)
	case *message.StreamError:
		known = c.streams.Fail(m.StreamID, rpcerr.FromMessage(m))
	case *message.StreamEnd:
		if c.streams.End(m.StreamID) {
			return
		}
		known = c.handle(ctx, m)
	case *message.Request, *message.StreamStart:
		known = c.handle(ctx, m)
	}
	if !known {
		c.log.Warn("dropping frame for unknown id",
			zap.String("kind", string(msg.Kind())),
			zap.String("message_id", msg.ID()),
			zap.String("stream_id", message.StreamIDOf(msg)))
		c.opts.Metrics.FrameDropped("unknown_id")
	}
}

// handle passes msg to the Handler. Without one, requests and stream starts
// are answered with SERVICE_NOT_FOUND.
func (c *Connection) handle(ctx context.Context, msg message.Message) bool {
	if c.opts.Handler != nil {
		c.opts.Handler.HandleMessage(ctx, c, msg)
		return true
	}
	noService := rpcerr.New(rpcerr.CodeServiceNotFound, "no services exposed on this connection")
	switch m := msg.(type) {
	case *message.Request:
		go c.reply(ctx, rpcerr.ToMessage(m.MessageID, noService))
	case *message.StreamStart:
		go c.reply(ctx, rpcerr.ToStreamMessage(m.StreamID, noService))
	default:
		return false
	}
	return true
}

func (c *Connection) reply(ctx context.Context, msg message.Message) {
	if err := c.Send(ctx, msg); err != nil {
		c.log.Debug("reply not sent", zap.String("kind", string(msg.Kind())), zap.Error(err))
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, gen uint64, ch Channel) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
		err := ch.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.channelLost(gen, fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}

// wait returns the current channel once Connected. In Connecting and
// Reconnecting it blocks when block is set and fails fast otherwise.
func (c *Connection) wait(ctx context.Context, block bool) (Channel, uint64, error) {
	for {
		c.mu.Lock()
		state, ch, gen, changed := c.state, c.ch, c.gen, c.changed
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return ch, gen, nil
		case StateClosed:
			return nil, 0, rpcerr.New(rpcerr.CodeConnectionClosed, "connection closed")
		case StateDisconnected:
			return nil, 0, rpcerr.New(rpcerr.CodeConnectionFailed, "not connected")
		}
		if !block {
			return nil, 0, rpcerr.Newf(rpcerr.CodeConnectionFailed, "connection is %s", state)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Send encodes msg and writes it on the current channel. A write failure
// drops the channel.
func (c *Connection) Send(ctx context.Context, msg message.Message) error {
	data, err := c.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}
	if limit := c.opts.MaxFrameSize; limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(data), limit)
	}

	ch, gen, err := c.wait(ctx, c.opts.BlockUntilConnected)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, data); err != nil {
		c.channelLost(gen, err)
		return rpcerr.Wrap(rpcerr.CodeConnectionClosed, err)
	}
	return nil
}

func (c *Connection) lookup(service, method string) (resolver.WireID, error) {
	if c.opts.Resolver == nil {
		return resolver.WireID{Service: service, Method: method}, nil
	}
	return c.opts.Resolver.Lookup(service, method)
}

// Call sends a request and waits for its reply. The reply must arrive within
// the configured call timeout and before ctx ends.
func (c *Connection) Call(ctx context.Context, service, method string, params ...any) (json.RawMessage, error) {
	wire, err := c.lookup(service, method)
	if err != nil {
		return nil, err
	}
	p, err := message.EncodeParams(params...)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInvalidParameters, err)
	}
	if _, _, err := c.wait(ctx, c.opts.BlockUntilConnected); err != nil {
		return nil, err
	}

	req := &message.Request{
		Envelope:  message.NewEnvelope(),
		ServiceID: wire.Service,
		MethodID:  wire.Method,
		Params:    p,
	}
	reply, err := c.engine.Do(ctx, req.MessageID, c.opts.CallTimeout, func() error {
		return c.Send(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(*message.Response)
	if !ok {
		return nil, rpcerr.Newf(rpcerr.CodeInternal, "unexpected %s reply", reply.Kind())
	}
	return resp.Result, nil
}

// OpenStream starts a stream and returns its first subscription. Closing the
// last subscription sends stream_end to the peer.
func (c *Connection) OpenStream(ctx context.Context, service, method string, params ...any) (*stream.Subscription, error) {
	wire, err := c.lookup(service, method)
	if err != nil {
		return nil, err
	}
	p, err := message.EncodeParams(params...)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInvalidParameters, err)
	}
	if _, _, err := c.wait(ctx, c.opts.BlockUntilConnected); err != nil {
		return nil, err
	}

	start := &message.StreamStart{
		Envelope:  message.NewEnvelope(),
		StreamID:  message.NewID(),
		ServiceID: wire.Service,
		MethodID:  wire.Method,
		Params:    p,
	}
	sub, err := c.streams.Open(start.StreamID, c.cancelStream)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, start); err != nil {
		c.streams.Fail(start.StreamID, err)
		return nil, err
	}
	return sub, nil
}

// cancelStream tells the peer to stop producing stream id.
func (c *Connection) cancelStream(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(c.life, 5*time.Second)
		defer cancel()
		end := &message.StreamEnd{Envelope: message.NewEnvelope(), StreamID: id}
		if err := c.Send(ctx, end); err != nil {
			c.log.Debug("stream cancel not sent", zap.String("stream_id", id), zap.Error(err))
		}
	}()
}
