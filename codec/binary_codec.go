package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"wsrpc/message"
)

// Binary encodes messages as a kind tag followed by length-prefixed fields,
// all integers big-endian:
//
//	kind(1) messageId(2+n) timestamp(8) ...variant fields
//
//	request       serviceId(2+n) methodId(2+n) params(2 + count*(4+n))
//	stream_start  streamId(2+n) serviceId(2+n) methodId(2+n) params
//	response      result(4+n)
//	error         code(2+n) message(4+n) details(4+n)
//	stream_data   streamId(2+n) data(4+n)
//	stream_end    streamId(2+n)
//	stream_error  streamId(2+n) code(2+n) message(4+n) details(4+n)
//
// JSON values are embedded as their raw bytes; a zero length means null.
type Binary struct{}

func (Binary) Type() Type { return TypeBinary }

const (
	tagRequest byte = iota + 1
	tagResponse
	tagError
	tagStreamStart
	tagStreamData
	tagStreamEnd
	tagStreamError
)

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(b byte) { w.buf = append(w.buf, b) }

func (w *writer) str16(s string) {
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("codec: string field of %d bytes exceeds 65535", len(s))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes32(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = fmt.Errorf("codec: field of %d bytes exceeds 4GiB", len(b))
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) i64(n int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(n))
}

func (w *writer) params(p message.Params) {
	if len(p) > math.MaxUint16 {
		w.err = fmt.Errorf("codec: %d params exceeds 65535", len(p))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(p)))
	for _, v := range p {
		w.bytes32(v)
	}
}

func (Binary) Encode(m message.Message) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	header := func(tag byte) {
		w.u8(tag)
		w.str16(m.ID())
		w.i64(m.Time())
	}

	switch x := m.(type) {
	case *message.Request:
		header(tagRequest)
		w.str16(x.ServiceID)
		w.str16(x.MethodID)
		w.params(x.Params)
	case *message.StreamStart:
		header(tagStreamStart)
		w.str16(x.StreamID)
		w.str16(x.ServiceID)
		w.str16(x.MethodID)
		w.params(x.Params)
	case *message.Response:
		header(tagResponse)
		w.bytes32(x.Result)
	case *message.Error:
		header(tagError)
		w.str16(x.Code)
		w.bytes32([]byte(x.Message))
		w.bytes32(x.Details)
	case *message.StreamData:
		header(tagStreamData)
		w.str16(x.StreamID)
		w.bytes32(x.Data)
	case *message.StreamEnd:
		header(tagStreamEnd)
		w.str16(x.StreamID)
	case *message.StreamError:
		header(tagStreamError)
		w.str16(x.StreamID)
		w.str16(x.Code)
		w.bytes32([]byte(x.Message))
		w.bytes32(x.Details)
	default:
		return nil, fmt.Errorf("codec: cannot encode %T", m)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// reader never reads past the end of data; the first short read sticks in err.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = malformed("truncated %s", what)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8(what string) byte {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) str16(what string) string {
	l := r.take(2, what)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l)), what))
}

// id is str16 for identifiers that must not be empty.
func (r *reader) id(what string) string {
	s := r.str16(what)
	if r.err == nil && s == "" {
		r.err = malformed("empty %s", what)
	}
	return s
}

func (r *reader) i64(what string) int64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) raw32(what string) []byte {
	l := r.take(4, what)
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.err = malformed("truncated %s", what)
		return nil
	}
	return r.take(int(n), what)
}

// value reads an embedded JSON value; empty means null.
func (r *reader) value(what string) json.RawMessage {
	b := r.raw32(what)
	if r.err != nil || len(b) == 0 {
		return nil
	}
	if !api.Valid(b) {
		r.err = malformed("%s is not valid JSON", what)
		return nil
	}
	return normalize(b)
}

func (r *reader) params() message.Params {
	l := r.take(2, "params")
	if l == nil {
		return nil
	}
	count := int(binary.BigEndian.Uint16(l))
	if count == 0 {
		return nil
	}
	p := make(message.Params, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		p = append(p, r.value("param"))
	}
	return p
}

func (Binary) Decode(data []byte) (message.Message, error) {
	r := &reader{data: data}
	tag := r.u8("kind")
	if r.err != nil {
		return nil, malformed("missing kind")
	}
	if tag < tagRequest || tag > tagStreamError {
		return nil, malformed("unknown kind tag %d", tag)
	}
	env := message.Envelope{MessageID: r.id("messageId"), Timestamp: r.i64("timestamp")}

	var m message.Message
	switch tag {
	case tagRequest:
		m = &message.Request{Envelope: env, ServiceID: r.id("serviceId"), MethodID: r.id("methodId"), Params: r.params()}
	case tagStreamStart:
		m = &message.StreamStart{Envelope: env, StreamID: r.id("streamId"), ServiceID: r.id("serviceId"),
			MethodID: r.id("methodId"), Params: r.params()}
	case tagResponse:
		m = &message.Response{Envelope: env, Result: r.value("result")}
	case tagError:
		m = &message.Error{Envelope: env, Code: r.id("errorCode"), Message: string(r.raw32("errorMessage")),
			Details: r.value("errorDetails")}
	case tagStreamData:
		m = &message.StreamData{Envelope: env, StreamID: r.id("streamId"), Data: r.value("data")}
	case tagStreamEnd:
		m = &message.StreamEnd{Envelope: env, StreamID: r.id("streamId")}
	case tagStreamError:
		m = &message.StreamError{Envelope: env, StreamID: r.id("streamId"), Code: r.id("errorCode"),
			Message: string(r.raw32("errorMessage")), Details: r.value("errorDetails")}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, malformed("%d trailing bytes", len(data)-r.off)
	}
	return m, nil
}
