package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"wsrpc/protocol"
)

// Channel is one ordered, reliable, message-oriented duplex channel. Send and
// Ping may be called concurrently with each other and with Recv; Recv is
// called from a single goroutine.
type Channel interface {
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks until the next frame arrives. Cancelling ctx closes the channel.
	Recv(ctx context.Context) ([]byte, error)
	// Ping probes the peer and waits for its answer.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes a new channel. A Connection calls it on Connect and on
// every reconnect attempt.
type Dialer func(ctx context.Context) (Channel, error)

var (
	// ErrChannelClosed is returned by channel operations after Close.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrFrameTooLarge is returned when an encoded frame exceeds the
	// configured maximum. Nothing is written.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max frame size")
)

const defaultPingWait = 10 * time.Second

// closeOnCancel closes c when ctx ends before the returned stop is called.
func closeOnCancel(ctx context.Context, c io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = c.Close() })
}

// FramedChannel carries frames over a byte stream (TCP, pipes) using the
// protocol package's length-prefixed header. Keepalive uses ping/pong frames.
type FramedChannel struct {
	rwc       io.ReadWriteCloser
	codecType byte
	maxFrame  uint32

	sending sync.Mutex // Frames from concurrent senders must not interleave
	pong    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFramedChannel wraps rwc. codecType is written into every data header;
// maxFrame bounds inbound bodies (0 means unlimited).
func NewFramedChannel(rwc io.ReadWriteCloser, codecType byte, maxFrame int) *FramedChannel {
	return &FramedChannel{
		rwc:       rwc,
		codecType: codecType,
		maxFrame:  uint32(max(maxFrame, 0)),
		pong:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (c *FramedChannel) write(ctx context.Context, h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	if conn, ok := c.rwc.(net.Conn); ok {
		deadline, _ := ctx.Deadline()
		_ = conn.SetWriteDeadline(deadline)
	}
	return protocol.Encode(c.rwc, h, body)
}

func (c *FramedChannel) Send(ctx context.Context, frame []byte) error {
	return c.write(ctx, &protocol.Header{CodecType: c.codecType, FrameType: protocol.FrameData}, frame)
}

// Recv returns the next data frame. Pings are answered and pongs consumed
// along the way.
func (c *FramedChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := closeOnCancel(ctx, c)
	defer stop()

	for {
		h, body, err := protocol.Decode(c.rwc, c.maxFrame)
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrChannelClosed
			default:
			}
			if errors.Is(err, protocol.ErrBodyTooLarge) {
				return nil, errors.Join(ErrFrameTooLarge, err)
			}
			return nil, err
		}
		switch h.FrameType {
		case protocol.FramePing:
			// Pong is written off the read path; pipe writes block until read.
			go c.write(context.Background(), &protocol.Header{CodecType: c.codecType, FrameType: protocol.FramePong}, nil)
		case protocol.FramePong:
			select {
			case c.pong <- struct{}{}:
			default:
			}
		default:
			return body, nil
		}
	}
}

// Ping sends a ping frame and waits for the pong, which Recv picks up.
func (c *FramedChannel) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingWait)
		defer cancel()
	}
	if err := c.write(ctx, &protocol.Header{CodecType: c.codecType, FrameType: protocol.FramePing}, nil); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *FramedChannel) Close() error {
	err := ErrChannelClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// DialTCP returns a Dialer for framed channels over TCP.
func DialTCP(addr string, codecType byte, maxFrame int) Dialer {
	return func(ctx context.Context) (Channel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewFramedChannel(conn, codecType, maxFrame), nil
	}
}
