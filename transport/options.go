package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/config"
	"wsrpc/message"
	"wsrpc/metrics"
	"wsrpc/resolver"
	"wsrpc/stream"
)

// Handler receives the messages a Connection does not consume itself:
// requests, stream starts, and stream ends for streams the peer opened.
// HandleMessage runs on the receive loop and must not block; ctx ends when
// the underlying channel goes away.
type Handler interface {
	HandleMessage(ctx context.Context, conn *Connection, msg message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Connection, msg message.Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, conn *Connection, msg message.Message) {
	f(ctx, conn, msg)
}

// Options configures a Connection. The zero value of a field keeps the
// default from defaultOptions.
type Options struct {
	Codec                codec.Codec
	CallTimeout          time.Duration // 0 disables the per-call deadline
	PingInterval         time.Duration // 0 disables the heartbeat
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	ExponentialBackoff   bool
	MaxReconnectAttempts int
	BlockUntilConnected  bool
	MaxFrameSize         int // 0 means unlimited

	Resolver *resolver.Resolver // nil sends names unchanged
	Handler  Handler
	Stream   stream.Options
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Codec:                codec.JSON{},
		CallTimeout:          30 * time.Second,
		PingInterval:         30 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		ExponentialBackoff:   true,
		MaxReconnectAttempts: 5,
		MaxFrameSize:         1 << 20,
		Logger:               zap.NewNop(),
	}
}

// WithConfig copies the connection, stream and codec settings from cfg.
// cfg is expected to have passed Validate.
func WithConfig(cfg *config.Config) Option {
	return func(o *Options) {
		if c, err := codec.Parse(cfg.Codec); err == nil {
			o.Codec = c
		}
		o.CallTimeout = cfg.CallTimeout
		o.PingInterval = cfg.PingInterval
		o.AutoReconnect = cfg.AutoReconnect
		o.ReconnectDelay = cfg.ReconnectDelay
		o.MaxReconnectDelay = cfg.MaxReconnectDelay
		o.ExponentialBackoff = cfg.ReconnectBackoff != "fixed"
		o.MaxReconnectAttempts = cfg.MaxReconnectAttempts
		o.BlockUntilConnected = cfg.BlockUntilConnected
		o.MaxFrameSize = cfg.MaxFrameSize
		o.Stream = cfg.StreamOptions(nil, nil)
	}
}

func WithCodec(c codec.Codec) Option { return func(o *Options) { o.Codec = c } }

func WithCallTimeout(d time.Duration) Option { return func(o *Options) { o.CallTimeout = d } }

func WithPingInterval(d time.Duration) Option { return func(o *Options) { o.PingInterval = d } }

// WithReconnect enables automatic reconnection with up to attempts tries,
// waiting delay between them (doubling up to maxDelay when exponential).
func WithReconnect(attempts int, delay, maxDelay time.Duration, exponential bool) Option {
	return func(o *Options) {
		o.AutoReconnect = true
		o.MaxReconnectAttempts = attempts
		o.ReconnectDelay = delay
		o.MaxReconnectDelay = maxDelay
		o.ExponentialBackoff = exponential
	}
}

func WithoutReconnect() Option { return func(o *Options) { o.AutoReconnect = false } }

func WithBlockUntilConnected(block bool) Option {
	return func(o *Options) { o.BlockUntilConnected = block }
}

func WithMaxFrameSize(n int) Option { return func(o *Options) { o.MaxFrameSize = n } }

func WithResolver(r *resolver.Resolver) Option { return func(o *Options) { o.Resolver = r } }

func WithHandler(h Handler) Option { return func(o *Options) { o.Handler = h } }

func WithStreamOptions(s stream.Options) Option { return func(o *Options) { o.Stream = s } }

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(o *Options) { o.Metrics = m } }
