package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"wsrpc/message"
)

var api = sonic.ConfigStd

// JSON encodes messages as JSON objects tagged with "kind":
//
//	{"kind":"request","messageId":"...","timestamp":1700000000000,
//	 "serviceId":"Calc","methodId":"add","params":[2,3]}
type JSON struct{}

func (JSON) Type() Type { return TypeJSON }

type wireRequest struct {
	Kind      message.Kind      `json:"kind"`
	MessageID string            `json:"messageId"`
	Timestamp int64             `json:"timestamp"`
	StreamID  string            `json:"streamId,omitempty"`
	ServiceID string            `json:"serviceId"`
	MethodID  string            `json:"methodId"`
	Params    []json.RawMessage `json:"params"`
}

type wireResponse struct {
	Kind      message.Kind    `json:"kind"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
	Result    json.RawMessage `json:"result"`
}

type wireError struct {
	Kind         message.Kind    `json:"kind"`
	MessageID    string          `json:"messageId"`
	Timestamp    int64           `json:"timestamp"`
	StreamID     string          `json:"streamId,omitempty"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
}

type wireStreamData struct {
	Kind      message.Kind    `json:"kind"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
	StreamID  string          `json:"streamId"`
	Data      json.RawMessage `json:"data"`
}

type wireStreamEnd struct {
	Kind      message.Kind `json:"kind"`
	MessageID string       `json:"messageId"`
	Timestamp int64        `json:"timestamp"`
	StreamID  string       `json:"streamId"`
}

var jsonNull = json.RawMessage("null")

func nullable(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return jsonNull
	}
	return v
}

func params(p message.Params) []json.RawMessage {
	if p == nil {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, len(p))
	for i, v := range p {
		out[i] = nullable(v)
	}
	return out
}

func (JSON) Encode(m message.Message) ([]byte, error) {
	var v any
	switch x := m.(type) {
	case *message.Request:
		v = wireRequest{Kind: message.KindRequest, MessageID: x.MessageID, Timestamp: x.Timestamp,
			ServiceID: x.ServiceID, MethodID: x.MethodID, Params: params(x.Params)}
	case *message.StreamStart:
		v = wireRequest{Kind: message.KindStreamStart, MessageID: x.MessageID, Timestamp: x.Timestamp,
			StreamID: x.StreamID, ServiceID: x.ServiceID, MethodID: x.MethodID, Params: params(x.Params)}
	case *message.Response:
		v = wireResponse{Kind: message.KindResponse, MessageID: x.MessageID, Timestamp: x.Timestamp,
			Result: nullable(x.Result)}
	case *message.Error:
		v = wireError{Kind: message.KindError, MessageID: x.MessageID, Timestamp: x.Timestamp,
			ErrorCode: x.Code, ErrorMessage: x.Message, ErrorDetails: x.Details}
	case *message.StreamError:
		v = wireError{Kind: message.KindStreamError, MessageID: x.MessageID, Timestamp: x.Timestamp,
			StreamID: x.StreamID, ErrorCode: x.Code, ErrorMessage: x.Message, ErrorDetails: x.Details}
	case *message.StreamData:
		v = wireStreamData{Kind: message.KindStreamData, MessageID: x.MessageID, Timestamp: x.Timestamp,
			StreamID: x.StreamID, Data: nullable(x.Data)}
	case *message.StreamEnd:
		v = wireStreamEnd{Kind: message.KindStreamEnd, MessageID: x.MessageID, Timestamp: x.Timestamp,
			StreamID: x.StreamID}
	default:
		return nil, fmt.Errorf("codec: cannot encode %T", m)
	}
	return api.Marshal(v)
}

// fields is a decoded JSON object whose members are checked one by one, so a
// missing member can be told apart from a null or mistyped one.
type fields map[string]json.RawMessage

func (f fields) str(name string) (string, error) {
	raw, ok := f[name]
	if !ok {
		return "", malformed("missing %q", name)
	}
	var s string
	if err := api.Unmarshal(raw, &s); err != nil || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return "", malformed("%q must be a string", name)
	}
	return s, nil
}

// nonEmpty is str for identifiers that must not be empty.
func (f fields) nonEmpty(name string) (string, error) {
	s, err := f.str(name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", malformed("%q must not be empty", name)
	}
	return s, nil
}

func (f fields) integer(name string) (int64, error) {
	raw, ok := f[name]
	if !ok {
		return 0, malformed("missing %q", name)
	}
	var n int64
	if err := api.Unmarshal(raw, &n); err != nil || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return 0, malformed("%q must be an integer", name)
	}
	return n, nil
}

// value returns a required member of any JSON type; null becomes nil.
func (f fields) value(name string) (json.RawMessage, error) {
	raw, ok := f[name]
	if !ok {
		return nil, malformed("missing %q", name)
	}
	return normalize(raw), nil
}

// optional returns a member that may be absent; absent and null become nil.
func (f fields) optional(name string) json.RawMessage {
	return normalize(f[name])
}

func (f fields) params(name string) (message.Params, error) {
	raw, ok := f[name]
	if !ok {
		return nil, malformed("missing %q", name)
	}
	var list []json.RawMessage
	if err := api.Unmarshal(raw, &list); err != nil || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return nil, malformed("%q must be an array", name)
	}
	if len(list) == 0 {
		return nil, nil
	}
	out := make(message.Params, len(list))
	for i, v := range list {
		out[i] = normalize(v)
	}
	return out, nil
}

func normalize(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func (JSON) Decode(data []byte) (message.Message, error) {
	var f fields
	if err := api.Unmarshal(data, &f); err != nil || f == nil {
		return nil, malformed("frame is not a JSON object")
	}
	kind, err := f.str("kind")
	if err != nil {
		return nil, err
	}
	if !message.Kind(kind).Valid() {
		return nil, malformed("unknown kind %q", kind)
	}

	var env message.Envelope
	if env.MessageID, err = f.nonEmpty("messageId"); err != nil {
		return nil, err
	}
	if env.Timestamp, err = f.integer("timestamp"); err != nil {
		return nil, err
	}

	switch message.Kind(kind) {
	case message.KindRequest:
		m := &message.Request{Envelope: env}
		if m.ServiceID, err = f.nonEmpty("serviceId"); err != nil {
			return nil, err
		}
		if m.MethodID, err = f.nonEmpty("methodId"); err != nil {
			return nil, err
		}
		if m.Params, err = f.params("params"); err != nil {
			return nil, err
		}
		return m, nil

	case message.KindStreamStart:
		m := &message.StreamStart{Envelope: env}
		if m.StreamID, err = f.nonEmpty("streamId"); err != nil {
			return nil, err
		}
		if m.ServiceID, err = f.nonEmpty("serviceId"); err != nil {
			return nil, err
		}
		if m.MethodID, err = f.nonEmpty("methodId"); err != nil {
			return nil, err
		}
		if m.Params, err = f.params("params"); err != nil {
			return nil, err
		}
		return m, nil

	case message.KindResponse:
		m := &message.Response{Envelope: env}
		if m.Result, err = f.value("result"); err != nil {
			return nil, err
		}
		return m, nil

	case message.KindError:
		m := &message.Error{Envelope: env}
		if m.Code, err = f.nonEmpty("errorCode"); err != nil {
			return nil, err
		}
		if m.Message, err = f.str("errorMessage"); err != nil {
			return nil, err
		}
		m.Details = f.optional("errorDetails")
		return m, nil

	case message.KindStreamError:
		m := &message.StreamError{Envelope: env}
		if m.StreamID, err = f.nonEmpty("streamId"); err != nil {
			return nil, err
		}
		if m.Code, err = f.nonEmpty("errorCode"); err != nil {
			return nil, err
		}
		if m.Message, err = f.str("errorMessage"); err != nil {
			return nil, err
		}
		m.Details = f.optional("errorDetails")
		return m, nil

	case message.KindStreamData:
		m := &message.StreamData{Envelope: env}
		if m.StreamID, err = f.nonEmpty("streamId"); err != nil {
			return nil, err
		}
		if m.Data, err = f.value("data"); err != nil {
			return nil, err
		}
		return m, nil

	case message.KindStreamEnd:
		m := &message.StreamEnd{Envelope: env}
		if m.StreamID, err = f.nonEmpty("streamId"); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, malformed("unknown kind %q", kind)
}
