package server

import (
	"context"
	"encoding/json"
	"fmt"

	"wsrpc/message"
	"wsrpc/resolver"
	"wsrpc/rpcerr"
)

// UnaryFunc handles one call. The result is marshalled to JSON; a
// json.RawMessage result is sent as is.
type UnaryFunc func(ctx context.Context, params message.Params) (any, error)

// Emit sends one stream item. It fails once the stream is cancelled or the
// connection is gone; producers should return when it does.
type Emit func(item any) error

// StreamFunc produces the items of one stream and returns when done. ctx
// ends when the caller cancels the stream or the connection drops.
type StreamFunc func(ctx context.Context, params message.Params, emit Emit) error

type method struct {
	name   string
	unary  UnaryFunc
	stream StreamFunc
}

// Service is a named set of handlers, built once before Register.
//
//	svc := server.NewService("Calc").
//		Unary("add", server.Unary2(add)).
//		Stream("range", rangeProducer)
type Service struct {
	name    string
	methods map[string]*method
	order   []string // Registration order, kept for sequential ids
	err     error
}

func NewService(name string) *Service {
	s := &Service{name: name, methods: make(map[string]*method)}
	if name == "" {
		s.err = fmt.Errorf("server: service name must not be empty")
	}
	return s
}

func (s *Service) Name() string { return s.name }

// Unary adds a unary method.
func (s *Service) Unary(name string, fn UnaryFunc) *Service {
	return s.add(&method{name: name, unary: fn})
}

// Stream adds a streaming method.
func (s *Service) Stream(name string, fn StreamFunc) *Service {
	return s.add(&method{name: name, stream: fn})
}

func (s *Service) add(m *method) *Service {
	switch {
	case s.err != nil:
	case m.name == "":
		s.err = fmt.Errorf("server: %s: method name must not be empty", s.name)
	case m.unary == nil && m.stream == nil:
		s.err = fmt.Errorf("server: %s.%s: nil handler", s.name, m.name)
	case s.methods[m.name] != nil:
		s.err = fmt.Errorf("server: %s.%s registered twice", s.name, m.name)
	default:
		s.methods[m.name] = m
		s.order = append(s.order, m.name)
	}
	return s
}

// Descriptor describes the service to a resolver.
func (s *Service) Descriptor() resolver.ServiceDescriptor {
	d := resolver.ServiceDescriptor{Name: s.name, Methods: make([]resolver.MethodDescriptor, 0, len(s.order))}
	for _, name := range s.order {
		d.Methods = append(d.Methods, resolver.MethodDescriptor{Name: name, Streaming: s.methods[name].stream != nil})
	}
	return d
}

// Unary0 adapts a handler without params.
func Unary0[R any](fn func(ctx context.Context) (R, error)) UnaryFunc {
	return func(ctx context.Context, params message.Params) (any, error) {
		if err := bind(params); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

// Unary1 adapts a handler taking one positional param.
func Unary1[A, R any](fn func(ctx context.Context, a A) (R, error)) UnaryFunc {
	return func(ctx context.Context, params message.Params) (any, error) {
		var a A
		if err := bind(params, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Unary2 adapts a handler taking two positional params.
func Unary2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) UnaryFunc {
	return func(ctx context.Context, params message.Params) (any, error) {
		var (
			a A
			b B
		)
		if err := bind(params, &a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Stream1 adapts a producer taking one positional param.
func Stream1[A any](fn func(ctx context.Context, a A, emit Emit) error) StreamFunc {
	return func(ctx context.Context, params message.Params, emit Emit) error {
		var a A
		if err := bind(params, &a); err != nil {
			return err
		}
		return fn(ctx, a, emit)
	}
}

// Stream2 adapts a producer taking two positional params.
func Stream2[A, B any](fn func(ctx context.Context, a A, b B, emit Emit) error) StreamFunc {
	return func(ctx context.Context, params message.Params, emit Emit) error {
		var (
			a A
			b B
		)
		if err := bind(params, &a, &b); err != nil {
			return err
		}
		return fn(ctx, a, b, emit)
	}
}

func bind(params message.Params, dst ...any) error {
	if err := params.Bind(dst...); err != nil {
		return rpcerr.Wrap(rpcerr.CodeInvalidParameters, err)
	}
	return nil
}

// encodeResult marshals a handler result.
func encodeResult(v any) (json.RawMessage, error) {
	raw, err := message.EncodeValue(v)
	if err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeInternal, "encode result: %v", err)
	}
	return raw, nil
}
