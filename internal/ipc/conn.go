package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/message"
)

// Conn is one open channel connection. Send and Receive may be used from
// different goroutines, but not concurrently with themselves.
type Conn struct {
	c      net.Conn
	r      *bufio.Reader
	once   sync.Once
	closed error
}

func newConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// Connect dials the channel at name. It fails with an error matching
// ErrConnectionRefused when nothing listens there and ErrTimeout when the
// dial does not complete within timeout.
func Connect(ctx context.Context, name string, timeout time.Duration) (*Conn, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.CodeChannelInvalidName, "channel name is empty")
	}
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "unix", name)
	if err != nil {
		return nil, classifyDialError(name, err)
	}
	return newConn(c), nil
}

func classifyDialError(name string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.Wrap(apperrors.CodeChannelTimeout, "connect to "+name+" timed out", err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return apperrors.Wrap(apperrors.CodeChannelRefused, "nothing listening on "+name, err)
	default:
		return apperrors.Wrap(apperrors.CodeChannelRefused, "connect to "+name, err)
	}
}

// WithConn connects to name, runs fn and closes the connection on every
// exit path, including a panic inside fn.
func WithConn(ctx context.Context, name string, timeout time.Duration, fn func(*Conn) error) error {
	conn, err := Connect(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Send writes one frame. A message whose header would not decode back
// unchanged is rejected before anything is written.
func (c *Conn) Send(m message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return c.SendRaw(m.String())
}

// SendRaw writes s as one frame. Used for the plain-text Unmount replies.
func (c *Conn) SendRaw(s string) error {
	if strings.IndexByte(s, ETX) >= 0 {
		return apperrors.New(apperrors.CodeProtocolInvalidHeader, "frame contains the terminator byte")
	}
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, ETX)
	if _, err := c.c.Write(buf); err != nil {
		return classifyIOError("send", err)
	}
	return nil
}

// Receive blocks until a full frame arrives. A peer that disconnects,
// including mid-frame, yields an error matching ErrBrokenConnection.
func (c *Conn) Receive() (message.Message, error) {
	s, err := c.ReceiveRaw()
	if err != nil {
		return message.Message{}, err
	}
	return message.Decode(s), nil
}

// ReceiveRaw returns the next frame without decoding it.
func (c *Conn) ReceiveRaw() (string, error) {
	var frame bytes.Buffer
	for {
		chunk, err := c.r.ReadSlice(ETX)
		if frame.Len()+len(chunk) > MaxFrameSize+1 {
			return "", apperrors.New(apperrors.CodeProtocolFrameTooLarge,
				fmt.Sprintf("frame exceeds %d bytes", MaxFrameSize))
		}
		frame.Write(chunk)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", classifyIOError("receive", err)
	}
	b := frame.Bytes()
	return string(b[:len(b)-1]), nil
}

// Request sends m and waits for the reply.
func (c *Conn) Request(m message.Message) (message.Message, error) {
	if err := c.Send(m); err != nil {
		return message.Message{}, err
	}
	return c.Receive()
}

// SetDeadline bounds subsequent Send and Receive calls.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

// Close closes the connection. Later calls return the first result.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed = c.c.Close()
	})
	return c.closed
}

func classifyIOError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, net.ErrClosed):
		return apperrors.Wrap(apperrors.CodeChannelBroken, op+": peer disconnected", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.Wrap(apperrors.CodeChannelTimeout, op+" timed out", err)
	default:
		return apperrors.Wrap(apperrors.CodeChannelBroken, op, err)
	}
}
