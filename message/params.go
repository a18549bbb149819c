package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

var null = json.RawMessage("null")

// Params are the positional arguments of a call, one raw JSON value each.
type Params []json.RawMessage

// EncodeParams marshals each value into its own raw JSON element.
// A value that is already a json.RawMessage is used as is.
func EncodeParams(values ...any) (Params, error) {
	if len(values) == 0 {
		return nil, nil
	}
	params := make(Params, len(values))
	for i, v := range values {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params[i] = raw
	}
	return params, nil
}

// EncodeValue marshals v to compact raw JSON. nil and a raw null become nil
// (sent as null).
func EncodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, x); err != nil {
			return nil, err
		}
		if bytes.Equal(buf.Bytes(), null) {
			return nil, nil
		}
		return json.RawMessage(buf.Bytes()), nil
	}
	b, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, null) {
		return nil, nil
	}
	return json.RawMessage(b), nil
}

// Bind decodes the params positionally into dst. The number of params must
// match len(dst) exactly.
func (p Params) Bind(dst ...any) error {
	if len(p) != len(dst) {
		return fmt.Errorf("expected %d params, got %d", len(dst), len(p))
	}
	for i := range dst {
		if err := p.Decode(i, dst[i]); err != nil {
			return err
		}
	}
	return nil
}

// Decode decodes the i-th param into v. A nil element is JSON null.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return fmt.Errorf("param %d out of range (have %d)", i, len(p))
	}
	raw := p[i]
	if len(raw) == 0 {
		raw = null
	}
	if err := sonic.ConfigStd.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("param %d: %w", i, err)
	}
	return nil
}
