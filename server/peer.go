package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wsrpc/message"
	"wsrpc/rpcerr"
	"wsrpc/security"
	"wsrpc/transport"
)

// peer is the per-connection handler. It holds the session established at
// the handshake and the cancel funcs of running stream producers.
type peer struct {
	srv     *Server
	session security.Session
	authErr error // Set when the handshake credentials were rejected

	mu        sync.Mutex
	producers map[string]context.CancelFunc // stream id -> producer cancel
}

// HandleMessage runs on the connection's receive loop; work is handed to
// goroutines so one slow handler never stalls the connection.
func (p *peer) HandleMessage(ctx context.Context, conn *transport.Connection, msg message.Message) {
	switch m := msg.(type) {
	case *message.Request:
		if !p.srv.begin(true) {
			go p.send(ctx, conn, rpcerr.ToMessage(m.MessageID, errShuttingDown))
			return
		}
		go p.serveRequest(ctx, conn, m)

	case *message.StreamStart:
		if !p.srv.begin(false) {
			go p.send(ctx, conn, rpcerr.ToStreamMessage(m.StreamID, errShuttingDown))
			return
		}
		pctx, cancel := context.WithCancel(ctx)
		if !p.track(m.StreamID, cancel) {
			cancel()
			dup := rpcerr.Newf(rpcerr.CodeStreamError, "stream %s already running", m.StreamID)
			go p.send(ctx, conn, rpcerr.ToStreamMessage(m.StreamID, dup))
			return
		}
		go p.serveStream(pctx, conn, m)

	case *message.StreamEnd:
		// Cancellation from the caller. Ends for streams already finished
		// here are expected and ignored.
		if cancel := p.untrack(m.StreamID); cancel != nil {
			cancel()
			p.srv.log.Debug("stream cancelled by peer", zap.String("stream_id", m.StreamID))
		}
	}
}

func (p *peer) track(id string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producers == nil {
		p.producers = make(map[string]context.CancelFunc)
	}
	if _, ok := p.producers[id]; ok {
		return false
	}
	p.producers[id] = cancel
	return true
}

func (p *peer) untrack(id string) context.CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel := p.producers[id]
	delete(p.producers, id)
	return cancel
}

func (p *peer) cancelAll() {
	p.mu.Lock()
	producers := p.producers
	p.producers = nil
	p.mu.Unlock()
	for _, cancel := range producers {
		cancel()
	}
}

func (p *peer) send(ctx context.Context, conn *transport.Connection, msg message.Message) {
	if err := conn.Send(ctx, msg); err != nil {
		p.srv.log.Debug("reply not sent",
			zap.String("kind", string(msg.Kind())),
			zap.String("message_id", msg.ID()),
			zap.String("stream_id", message.StreamIDOf(msg)),
			zap.Error(err))
	}
}

func (p *peer) serveRequest(ctx context.Context, conn *transport.Connection, req *message.Request) {
	defer p.srv.wg.Done()

	result, err := p.srv.invoke(ctx, p, req)
	if err != nil {
		p.send(ctx, conn, rpcerr.ToMessage(req.MessageID, err))
		return
	}
	p.send(ctx, conn, &message.Response{
		Envelope: message.Envelope{MessageID: req.MessageID, Timestamp: message.Now()},
		Result:   result,
	})
}

// serveStream runs one producer. ctx is cancelled by an inbound stream_end
// or by connection loss; in both cases nothing more is sent.
func (p *peer) serveStream(ctx context.Context, conn *transport.Connection, start *message.StreamStart) {
	s := p.srv
	id := start.StreamID
	defer func() {
		if cancel := p.untrack(id); cancel != nil {
			cancel()
		}
	}()

	m, service, name, err := s.route(ctx, p, start.ServiceID, start.MethodID)
	if err == nil && m.stream == nil {
		err = rpcerr.Newf(rpcerr.CodeMethodNotFound, "%s.%s is not a streaming method", service, name)
	}
	if err != nil {
		s.metrics.Request(label(service), label(name), string(rpcerr.From(err).Code))
		p.send(ctx, conn, rpcerr.ToStreamMessage(id, err))
		return
	}

	emit := func(item any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encodeResult(item)
		if err != nil {
			return err
		}
		return conn.Send(ctx, &message.StreamData{Envelope: message.NewEnvelope(), StreamID: id, Data: data})
	}
	err = s.protect(service, name, func() error {
		return m.stream(ctx, start.Params, emit)
	})

	code := "OK"
	switch {
	case ctx.Err() != nil:
		code = "CANCELLED"
		s.log.Debug("stream producer stopped", zap.String("stream_id", id), zap.Error(context.Cause(ctx)))
	case err != nil:
		code = string(rpcerr.From(err).Code)
		p.send(ctx, conn, rpcerr.ToStreamMessage(id, err))
	default:
		p.send(ctx, conn, &message.StreamEnd{Envelope: message.NewEnvelope(), StreamID: id})
	}
	s.metrics.Request(service, name, code)
}
