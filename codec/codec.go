// Package codec turns messages into frame bodies and back.
//
// Two encodings are provided. Both carry the message kind as an explicit tag and
// reject frames whose tag is missing, unknown, or whose required fields are
// absent or mistyped; such failures match rpcerr.ErrMalformedMessage.
//
//   - JSON:   one JSON object per frame with a "kind" member (WebSocket text frames).
//   - Binary: kind byte followed by length-prefixed fields (WebSocket binary frames).
package codec

import (
	"fmt"
	"strings"

	"wsrpc/message"
	"wsrpc/rpcerr"
)

// Type identifies an encoding. The value is also written into framed headers.
type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// Codec encodes and decodes whole messages. Implementations are stateless and
// safe for concurrent use.
type Codec interface {
	Encode(m message.Message) ([]byte, error)
	Decode(data []byte) (message.Message, error)
	Type() Type
}

// Get returns the codec for t, or nil when t is unknown.
func Get(t Type) Codec {
	switch t {
	case TypeJSON:
		return JSON{}
	case TypeBinary:
		return Binary{}
	}
	return nil
}

// Parse maps a configuration name ("json", "binary") to a codec.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON{}, nil
	case "binary":
		return Binary{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

func malformed(format string, args ...any) error {
	return rpcerr.Newf(rpcerr.CodeMalformedMessage, format, args...)
}
