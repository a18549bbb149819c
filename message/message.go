// Package message defines the tagged messages exchanged over a wsrpc connection.
//
// Every frame on the wire is exactly one Message. The variant is named by an explicit
// Kind discriminator, never inferred from which fields happen to be present:
//
//	request       caller → callee   unary call
//	response      callee → caller   success reply, correlated by MessageID
//	error         callee → caller   failure reply, correlated by MessageID
//	stream_start  caller → callee   opens a stream identified by StreamID
//	stream_data   callee → caller   one item, ordered per stream
//	stream_end    either direction  normal completion, or cancellation by the caller
//	stream_error  callee → caller   terminal stream failure
//
// Values (params, results, items, error details) are kept as raw JSON so the
// message layer never needs to know the application types.
package message

import (
	"encoding/json"
	"time"
)

// Kind is the explicit discriminator carried by every message.
type Kind string

const (
	KindRequest     Kind = "request"
	KindResponse    Kind = "response"
	KindError       Kind = "error"
	KindStreamStart Kind = "stream_start"
	KindStreamData  Kind = "stream_data"
	KindStreamEnd   Kind = "stream_end"
	KindStreamError Kind = "stream_error"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindError, KindStreamStart, KindStreamData, KindStreamEnd, KindStreamError:
		return true
	}
	return false
}

// Message is implemented by the seven variants below and nothing else.
type Message interface {
	Kind() Kind
	ID() string
	Time() int64
	sealed()
}

// Envelope holds the fields shared by every variant.
type Envelope struct {
	MessageID string // Caller-generated, unique per connection lifetime
	Timestamp int64  // Unix milliseconds at creation
}

func (e Envelope) ID() string  { return e.MessageID }
func (e Envelope) Time() int64 { return e.Timestamp }
func (Envelope) sealed()       {}

// NewEnvelope stamps a fresh id and the current time.
func NewEnvelope() Envelope {
	return Envelope{MessageID: NewID(), Timestamp: Now()}
}

// Request is a unary call.
type Request struct {
	Envelope
	ServiceID string // Wire identifier, possibly obfuscated
	MethodID  string
	Params    Params
}

// Response is a success reply; MessageID equals the Request's.
// A nil Result is sent as JSON null.
type Response struct {
	Envelope
	Result json.RawMessage
}

// Error is a failure reply; MessageID equals the Request's.
type Error struct {
	Envelope
	Code    string
	Message string
	Details json.RawMessage // Optional
}

// StreamStart opens a stream. StreamID is a second correlation key,
// independent of MessageID.
type StreamStart struct {
	Envelope
	StreamID  string
	ServiceID string
	MethodID  string
	Params    Params
}

// StreamData carries one item of a stream.
type StreamData struct {
	Envelope
	StreamID string
	Data     json.RawMessage
}

// StreamEnd terminates a stream normally. Sent by the caller it means cancellation.
type StreamEnd struct {
	Envelope
	StreamID string
}

// StreamError terminates a stream with a failure.
type StreamError struct {
	Envelope
	StreamID string
	Code     string
	Message  string
	Details  json.RawMessage // Optional
}

func (*Request) Kind() Kind     { return KindRequest }
func (*Response) Kind() Kind    { return KindResponse }
func (*Error) Kind() Kind       { return KindError }
func (*StreamStart) Kind() Kind { return KindStreamStart }
func (*StreamData) Kind() Kind  { return KindStreamData }
func (*StreamEnd) Kind() Kind   { return KindStreamEnd }
func (*StreamError) Kind() Kind { return KindStreamError }

// StreamIDOf returns the stream id of stream variants and "" for the others.
func StreamIDOf(m Message) string {
	switch v := m.(type) {
	case *StreamStart:
		return v.StreamID
	case *StreamData:
		return v.StreamID
	case *StreamEnd:
		return v.StreamID
	case *StreamError:
		return v.StreamID
	}
	return ""
}

// Now returns the current time in unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}
