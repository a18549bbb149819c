// Package client is the caller-side facade. It finds an instance of the
// target service through a registry, picks one with a balancer, and issues
// the call on a shared Connection to that instance.
//
//	Call("Calc.add") → Registry.Discover → Balancer.Pick → Pool.Get(url)
//	  → Connection.Call → decode result into reply
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/config"
	"wsrpc/loadbalance"
	"wsrpc/registry"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
	"wsrpc/stream"
	"wsrpc/transport"
)

type options struct {
	header    http.Header
	codecType codec.Type
	maxFrame  int
	log       *zap.Logger
	conn      []transport.Option
}

type Option func(*options)

// WithToken sends token as "Authorization: Bearer" on every handshake.
func WithToken(token string) Option {
	return func(o *options) { o.header.Set("Authorization", "Bearer "+token) }
}

func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Add(key, value) }
}

func WithCodec(t codec.Type) Option { return func(o *options) { o.codecType = t } }

func WithMaxFrameSize(n int) Option { return func(o *options) { o.maxFrame = n } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithResolver sets the mapping shared with the servers.
func WithResolver(r *resolver.Resolver) Option {
	return WithConnectionOptions(transport.WithResolver(r))
}

// WithConnectionOptions passes options to every Connection.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(o *options) { o.conn = append(o.conn, opts...) }
}

// WithConfig applies the connection settings of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if c, err := codec.Parse(cfg.Codec); err == nil {
			o.codecType = c.Type()
		}
		o.maxFrame = cfg.MaxFrameSize
		o.conn = append(o.conn, transport.WithConfig(cfg))
	}
}

func buildOptions(opts []Option) options {
	o := options{header: http.Header{}, codecType: codec.TypeJSON, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.conn = append(o.conn,
		transport.WithCodec(codec.Get(o.codecType)),
		transport.WithMaxFrameSize(o.maxFrame),
		transport.WithLogger(o.log),
	)
	return o
}

func (o options) dialer(url string) transport.Dialer {
	return transport.DialWebSocket(url, o.header, o.codecType, o.maxFrame)
}

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	pool     *transport.Pool
	fixed    *transport.Connection // Set by Dial; bypasses discovery
	log      *zap.Logger
}

// New returns a client that discovers instances through reg and spreads
// calls over them with bal. Connections are dialed on first use.
func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		registry: reg,
		balancer: bal,
		pool:     transport.NewPool(o.dialer, o.conn...),
		log:      o.log,
	}
}

// Dial connects to a single endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn := transport.NewConnection(o.dialer(url), o.conn...)
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return &Client{fixed: conn, log: o.log}, nil
}

func splitServiceMethod(serviceMethod string) (string, string, error) {
	service, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" || method == "" {
		return "", "", fmt.Errorf("client: invalid serviceMethod format: %q", serviceMethod)
	}
	return service, method, nil
}

func (c *Client) connection(ctx context.Context, service string) (*transport.Connection, error) {
	if c.fixed != nil {
		return c.fixed, nil
	}
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeConnectionFailed, err)
	}
	inst, err := c.balancer.Pick(service, instances)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeServiceNotFound, err)
	}
	c.log.Debug("instance picked", zap.String("service", service), zap.String("url", inst.URL), zap.String("balancer", c.balancer.Name()))
	return c.pool.Get(ctx, inst.URL)
}

// Call invokes serviceMethod ("Service.method") with positional params and
// decodes the result into reply. reply may be nil to discard the result.
func (c *Client) Call(ctx context.Context, serviceMethod string, reply any, params ...any) error {
	service, method, err := splitServiceMethod(serviceMethod)
	if err != nil {
		return err
	}
	conn, err := c.connection(ctx, service)
	if err != nil {
		return err
	}
	result, err := conn.Call(ctx, service, method, params...)
	if err != nil {
		return err
	}
	if reply == nil || len(result) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(result, reply); err != nil {
		return fmt.Errorf("client: decode %s reply: %w", serviceMethod, err)
	}
	return nil
}

// Stream opens a stream on serviceMethod. Close the subscription to cancel
// it.
func (c *Client) Stream(ctx context.Context, serviceMethod string, params ...any) (*stream.Subscription, error) {
	service, method, err := splitServiceMethod(serviceMethod)
	if err != nil {
		return nil, err
	}
	conn, err := c.connection(ctx, service)
	if err != nil {
		return nil, err
	}
	return conn.OpenStream(ctx, service, method, params...)
}

// Close disconnects every connection the client holds.
func (c *Client) Close() error {
	if c.fixed != nil {
		return c.fixed.Disconnect()
	}
	return c.pool.Close()
}
