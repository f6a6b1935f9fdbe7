package transport

import (
	"sync"
)

const pipeBuffer = 64

// Pipe returns two connected in-process conns. Frames sent on one end
// arrive on the other in order. Used for local syncs where both peers
// live in one process; the protocol still serializes every message so
// local and remote share one code path.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: ba, out: ab, closed: closed, once: once}
	b := &pipeConn{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func (c *pipeConn) Send(frame []byte) error {
	if len(frame) > MaxFrame {
		return &Error{Op: "send", Err: errFrameTooLarge(len(frame))}
	}
	// Frames are owned by the receiver once sent
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-c.closed:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.closed:
		return &Error{Op: "send", Err: ErrClosed}
	}
}

func (c *pipeConn) Receive() ([]byte, error) {
	// Drain frames already delivered before reporting a close
	select {
	case frame := <-c.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, &Error{Op: "receive", Err: ErrClosed}
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
