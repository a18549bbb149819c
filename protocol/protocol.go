// Package protocol implements the length-prefixed frame format used when
// messages travel over a raw byte stream (TCP, pipes) instead of WebSocket.
//
// WebSocket already delimits messages; a byte stream does not. Each frame is a
// fixed 10-byte header followed by a variable-length body, so the receiver reads
// the header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│ft│ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mrp". Rejects peers that are not speaking this
// protocol (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (bodyLen)
)

// FrameType distinguishes message frames from keepalive probes.
type FrameType byte

const (
	FrameData FrameType = 0 // Body is one encoded message
	FramePing FrameType = 1 // Keepalive probe (no body)
	FramePong FrameType = 2 // Reply to a ping (no body)
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrBodyTooLarge is returned by Decode when a header announces a body larger
// than the caller's limit. The body is not read; the stream is unusable after it.
var ErrBodyTooLarge = errors.New("protocol: frame body exceeds limit")

// Header is the fixed 10-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the body: 0=JSON, 1=Binary
	FrameType FrameType // Data, Ping, or Pong
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// body; the value in h is ignored.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	// One write per frame so concurrent readers never see a header without its body.
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame from r. A maxBody of zero means no limit.
// Uses io.ReadFull so partial reads never surface as short frames.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if frameType > FramePong {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[5])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if maxBody > 0 && bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, bodyLen, maxBody)
	}
	if frameType != FrameData && bodyLen != 0 {
		return nil, nil, fmt.Errorf("%s frame with %d byte body", frameType, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		BodyLen:   bodyLen,
	}, body, nil
}

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}
