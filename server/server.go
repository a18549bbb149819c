// Package server exposes services over WebSocket connections through a
// static dispatch table built at registration time.
//
// Request processing pipeline:
//
//	ServeHTTP → upgrade → ServeChannel (one transport.Connection per peer)
//	  → request:      go serveRequest
//	      → resolve wire ids → session → authorize → rate limit
//	      → table lookup → middleware chain → UnaryFunc → response | error
//	  → stream_start: go serveStream (ctx ends on stream_end or connection loss)
//	      → same checks → StreamFunc emits stream_data → stream_end | stream_error
//	  → stream_end:   cancel the matching producer
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrpc/codec"
	"wsrpc/config"
	"wsrpc/message"
	"wsrpc/metrics"
	"wsrpc/middleware"
	"wsrpc/registry"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
	"wsrpc/security"
	"wsrpc/transport"
)

var errShuttingDown = rpcerr.New(rpcerr.CodeConnectionClosed, "server shutting down")

// Server dispatches requests and stream starts to registered services.
type Server struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	resolver *resolver.Resolver
	authn    security.Authenticator // nil admits every connection anonymously
	guard    security.Guard
	codec    codec.Codec
	maxFrame int
	ping     time.Duration
	upgrader websocket.Upgrader

	registry     registry.Registry // nil when not using discovery
	advertiseURL string            // Routable URL registered for every service
	ttl          int64

	mu          sync.RWMutex
	services    map[string]*Service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares around dispatch
	conns       map[*transport.Connection]struct{}
	closing     bool
	httpSrv     *http.Server

	wg   sync.WaitGroup // In-flight unary requests
	life context.Context
	stop context.CancelFunc
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records connection metrics and counts every request and
// stream by service, method and code.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithResolver sets the mapping used to resolve wire identifiers. Without
// it names travel unobfuscated.
func WithResolver(r *resolver.Resolver) Option { return func(s *Server) { s.resolver = r } }

// WithSecurity installs the security collaborators. Any of them may be nil.
func WithSecurity(authn security.Authenticator, authz security.Authorizer, limiter security.RateLimiter) Option {
	return func(s *Server) {
		s.authn = authn
		s.guard = security.Guard{Authenticator: authn, Authorizer: authz, RateLimiter: limiter}
	}
}

func WithCodec(c codec.Codec) Option { return func(s *Server) { s.codec = c } }

func WithMaxFrameSize(n int) Option { return func(s *Server) { s.maxFrame = n } }

// WithPingInterval sets the heartbeat of accepted connections; 0 disables it.
func WithPingInterval(d time.Duration) Option { return func(s *Server) { s.ping = d } }

// WithRegistry registers every service under advertiseURL when serving
// starts and deregisters on Shutdown.
func WithRegistry(reg registry.Registry, advertiseURL string, ttl int64) Option {
	return func(s *Server) {
		s.registry, s.advertiseURL, s.ttl = reg, advertiseURL, ttl
	}
}

// ConfigOptions translates cfg into server options. The mapping file, when
// set, is imported into the resolver before any service is registered.
func ConfigOptions(cfg *config.Config, logger *zap.Logger) ([]Option, error) {
	c, err := codec.Parse(cfg.Codec)
	if err != nil {
		return nil, err
	}
	r := resolver.New(cfg.ResolverOptions(logger))
	if path := cfg.Obfuscation.MappingFile; cfg.Obfuscation.Enabled && path != "" {
		t, err := resolver.LoadTable(path)
		if err != nil {
			return nil, err
		}
		if err := r.Import(t); err != nil {
			return nil, err
		}
	}

	opts := []Option{
		WithLogger(logger),
		WithCodec(c),
		WithMaxFrameSize(cfg.MaxFrameSize),
		WithPingInterval(cfg.PingInterval),
		WithResolver(r),
	}
	if cfg.Security.Enabled {
		acl, err := security.ParseACL(cfg.Security.Allow)
		if err != nil {
			return nil, err
		}
		var limiter security.RateLimiter
		if cfg.Security.RateLimit > 0 {
			limiter = security.NewTokenBucketLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst)
		}
		opts = append(opts, WithSecurity(security.NewTokenAuthenticator(cfg.Security.Tokens), acl, limiter))
	}
	return opts, nil
}

func New(opts ...Option) *Server {
	s := &Server{
		log:      zap.NewNop(),
		codec:    codec.Get(codec.TypeJSON),
		ping:     30 * time.Second,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		services: make(map[string]*Service),
		conns:    make(map[*transport.Connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = resolver.New(resolver.Options{Logger: s.log})
	}
	s.life, s.stop = context.WithCancel(context.Background())
	s.buildChain()
	return s
}

// Resolver returns the mapping the server resolves against, e.g. to export
// it for clients.
func (s *Server) Resolver() *resolver.Resolver { return s.resolver }

// Register adds svc to the dispatch table and maps its methods.
func (s *Server) Register(svc *Service) error {
	if svc.err != nil {
		return svc.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[svc.name]; ok {
		return fmt.Errorf("server: service %s already registered", svc.name)
	}
	if err := s.resolver.Generate(svc.Descriptor()); err != nil {
		return err
	}
	s.services[svc.name] = svc
	s.log.Info("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.order)))
	return nil
}

// Use appends a middleware around unary handlers. The first one added is
// outermost.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.buildChain()
}

// buildChain must be called with mu held (or before the server is shared).
func (s *Server) buildChain() {
	mws := s.middlewares
	if s.metrics != nil {
		mws = append([]middleware.Middleware{middleware.Metrics(s.metrics)}, mws...)
	}
	s.handler = middleware.Chain(mws...)(s.dispatch)
}

// Connections returns the number of live peer connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ListenAndServe listens on addr and serves WebSocket upgrades on path.
func (s *Server) ListenAndServe(addr, path string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, path)
}

// Serve accepts HTTP connections on ln and upgrades requests for path. It
// returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()

	if err := s.register(s.life); err != nil {
		_ = ln.Close()
		return err
	}
	s.log.Info("serving", zap.String("address", ln.Addr().String()), zap.String("path", path))

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) register(ctx context.Context) error {
	if s.registry == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name := range s.services {
		inst := registry.ServiceInstance{URL: s.advertiseURL, Weight: 1}
		if err := s.registry.Register(ctx, name, inst, s.ttl); err != nil {
			return fmt.Errorf("server: register %s: %w", name, err)
		}
	}
	return nil
}

// ServeHTTP upgrades r to a WebSocket and serves it until the peer leaves
// or the server shuts down. The token is read from an
// "Authorization: Bearer" header or the token query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	creds := security.Credentials{Token: bearerToken(r), RemoteAddr: r.RemoteAddr}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ch := transport.NewWebSocketChannel(ws, s.codec.Type(), s.maxFrame)
	if err := s.ServeChannel(s.life, ch, creds); err != nil {
		s.log.Debug("connection rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

func bearerToken(r *http.Request) string {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return r.URL.Query().Get("token")
}

// ServeChannel serves one established channel and blocks until it closes
// or ctx ends. Credentials are checked once; a failed check leaves the
// connection open and answers every request with AUTHENTICATION_ERROR.
func (s *Server) ServeChannel(ctx context.Context, ch transport.Channel, creds security.Credentials) error {
	p := &peer{srv: s, session: security.Session{ClientID: "anonymous", Token: creds.Token}}
	if s.authn != nil {
		session, err := s.authn.Authenticate(ctx, creds)
		if err != nil {
			if rpcerr.CodeOf(err) != rpcerr.CodeAuthentication {
				err = rpcerr.Wrap(rpcerr.CodeAuthentication, err)
			}
			p.authErr = err
			s.log.Warn("authentication failed", zap.String("remote", creds.RemoteAddr), zap.Error(p.authErr))
		} else {
			p.session = session
		}
	}

	log := s.log.With(zap.String("remote", creds.RemoteAddr), zap.String("client", p.session.ClientID))
	conn := transport.Accept(ch,
		transport.WithCodec(s.codec),
		transport.WithMaxFrameSize(s.maxFrame),
		transport.WithPingInterval(s.ping),
		transport.WithLogger(log),
		transport.WithMetrics(s.metrics),
		transport.WithHandler(p),
	)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return errShuttingDown
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	log.Debug("peer connected")

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Disconnect()
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	p.cancelAll()
	log.Debug("peer disconnected")
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister every service so clients stop routing here
//  2. Stop accepting connections and new work
//  3. Wait for in-flight unary requests, up to timeout
//  4. Close every connection, which also stops stream producers
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.registry != nil {
		s.mu.RLock()
		for name := range s.services {
			if err := s.registry.Deregister(ctx, name, s.advertiseURL); err != nil {
				s.log.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	s.closing = true
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by http.Server.
		_ = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}

	s.stop()
	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Disconnect()
	}
	s.log.Info("server stopped", zap.Int("connections", len(conns)), zap.Error(err))
	return err
}

// begin admits one unit of work unless the server is shutting down. Unary
// requests are counted so Shutdown can drain them.
func (s *Server) begin(counted bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return false
	}
	if counted {
		s.wg.Add(1)
	}
	return true
}

// route runs the checks shared by requests and stream starts and returns
// the resolved handler.
func (s *Server) route(ctx context.Context, p *peer, wireService, wireMethod string) (*method, string, string, error) {
	service, name, err := s.resolver.Resolve(wireService, wireMethod)
	if err != nil {
		return nil, "", "", err
	}
	if p.authErr != nil {
		return nil, service, name, p.authErr
	}
	if err := s.guard.Check(ctx, p.session, service, name); err != nil {
		return nil, service, name, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[service]
	if !ok {
		return nil, service, name, rpcerr.Newf(rpcerr.CodeServiceNotFound, "service %s not found", service)
	}
	m, ok := svc.methods[name]
	if !ok {
		return nil, service, name, rpcerr.Newf(rpcerr.CodeMethodNotFound, "method %s.%s not found", service, name)
	}
	return m, service, name, nil
}

// invoke runs one unary request through the pipeline.
func (s *Server) invoke(ctx context.Context, p *peer, req *message.Request) (json.RawMessage, error) {
	m, service, name, err := s.route(ctx, p, req.ServiceID, req.MethodID)
	if err == nil && m.unary == nil {
		err = rpcerr.Newf(rpcerr.CodeMethodNotFound, "%s.%s is a streaming method", service, name)
	}
	if err != nil {
		s.metrics.Request(label(service), label(name), string(rpcerr.From(err).Code))
		return nil, err
	}

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	return h(ctx, &middleware.Request{
		MessageID: req.MessageID,
		Service:   service,
		Method:    name,
		Params:    req.Params,
		Session:   p.session,
	})
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *middleware.Request) (json.RawMessage, error) {
	s.mu.RLock()
	var m *method
	if svc := s.services[req.Service]; svc != nil {
		m = svc.methods[req.Method]
	}
	s.mu.RUnlock()
	if m == nil || m.unary == nil {
		return nil, rpcerr.Newf(rpcerr.CodeMethodNotFound, "method %s.%s not found", req.Service, req.Method)
	}

	var result any
	err := s.protect(req.Service, req.Method, func() (err error) {
		result, err = m.unary(ctx, req.Params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return encodeResult(result)
}

// protect runs fn and converts a panic into INTERNAL_ERROR.
func (s *Server) protect(service, method string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked",
				zap.String("service", service), zap.String("method", method),
				zap.Any("panic", r), zap.Stack("stack"))
			err = rpcerr.Newf(rpcerr.CodeInternal, "handler panicked: %v", r)
		}
	}()
	return fn()
}
