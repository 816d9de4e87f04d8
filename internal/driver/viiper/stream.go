package viiper

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrStreamClosed is returned by writes on a closed stream.
var ErrStreamClosed = errors.New("viiper: stream closed")

// Stream is the long-lived connection feeding input states to one device.
// Feedback sent by the server (rumble) is drained and discarded.
type Stream struct {
	conn  net.Conn
	BusID uint32
	DevID string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// OpenStream attaches to the stream channel of an existing device.
func (c *Client) OpenStream(ctx context.Context, busID uint32, devID string) (*Stream, error) {
	conn, err := c.t.dial(ctx)
	if err != nil {
		return nil, err
	}
	if c.t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.t.cfg.WriteTimeout))
	}
	if _, err := fmt.Fprintf(conn, "bus/%d/%s\x00", busID, devID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write stream path: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	s := &Stream{conn: conn, BusID: busID, DevID: devID, done: make(chan struct{})}
	go s.drain()
	return s, nil
}

func (s *Stream) drain() {
	defer close(s.done)
	_, _ = io.Copy(io.Discard, s.conn)
}

// Done is closed once the server side of the stream has gone away.
func (s *Stream) Done() <-chan struct{} { return s.done }

// WriteBinary marshals v and writes it as one message.
func (s *Stream) WriteBinary(v encoding.BinaryMarshaler) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	_, err = s.conn.Write(data)
	return err
}

// Close closes the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
