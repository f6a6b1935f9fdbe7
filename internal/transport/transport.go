// Package transport supplies the duplex byte stream the protocol runs
// over: ordered, reliable frame delivery with explicit close and failure
// signaling. Two backends exist, an in-process channel pair for local
// syncs and framed stdio for a spawned remote process. The protocol
// itself never knows which one it is talking through.
package transport

import (
	"errors"
	"fmt"
)

// MaxFrame bounds a single frame. A length header beyond this means the
// stream is desynchronized or the peer is misbehaving.
const MaxFrame = 4 * 1024 * 1024

// ErrClosed is returned once a conn has been closed locally or by the
// peer.
var ErrClosed = errors.New("transport closed")

// Error marks a transport-level failure: broken pipe, process exit, EOF
// mid-frame. It is always fatal to the session.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conn is the duplex frame stream. Send and Receive are safe for
// concurrent use from different goroutines (one sender, one receiver,
// plus acks from the receive loop).
type Conn interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}
