package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

func errFrameTooLarge(n int) error {
	return fmt.Errorf("frame of %d bytes exceeds limit of %d", n, MaxFrame)
}

// streamConn frames messages over an ordinary byte stream: a fixed-width
// big-endian length header followed by the payload, so partial reads or
// writes can never desynchronize the stream.
type streamConn struct {
	r *bufio.Reader
	w io.Writer

	wmu     sync.Mutex
	closers []io.Closer
}

// NewStream wraps a read/write pair as a framed conn. closers are closed,
// in order, when the conn is closed.
func NewStream(r io.Reader, w io.Writer, closers ...io.Closer) Conn {
	return &streamConn{r: bufio.NewReader(r), w: w, closers: closers}
}

// Stdio returns the conn a run-stdio peer speaks on: frames on stdin and
// stdout. Diagnostics must go to stderr, never here.
func Stdio() Conn {
	return NewStream(os.Stdin, os.Stdout)
}

func (c *streamConn) Send(frame []byte) error {
	if len(frame) > MaxFrame {
		return &Error{Op: "send", Err: errFrameTooLarge(len(frame))}
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(buf); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (c *streamConn) Receive() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &Error{Op: "receive", Err: ErrClosed}
		}
		return nil, &Error{Op: "receive", Err: err}
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrame {
		return nil, &Error{Op: "receive", Err: errFrameTooLarge(int(n))}
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		// EOF mid-frame means the stream died, not a clean close
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &Error{Op: "receive", Err: fmt.Errorf("stream ended mid-frame: %w", err)}
		}
		return nil, &Error{Op: "receive", Err: err}
	}
	return frame, nil
}

func (c *streamConn) Close() error {
	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processConn runs frames over a spawned subprocess's stdin/stdout. Its
// stderr is passed through as diagnostic text, not protocol data.
type processConn struct {
	Conn
	cmd *exec.Cmd
}

func (c *processConn) Close() error {
	closeErr := c.Conn.Close()
	waitErr := c.cmd.Wait()
	if closeErr != nil {
		return closeErr
	}
	if waitErr != nil {
		return &Error{Op: "close", Err: fmt.Errorf("remote process: %w", waitErr)}
	}
	return nil
}

// SpawnRemote launches the secure-shell client running the peer command
// on the far host and returns a conn over its stdio. Credential and host
// verification concerns stay with the external ssh client.
func SpawnRemote(ctx context.Context, sshBin, host string, remoteArgs ...string) (Conn, error) {
	args := append([]string{host}, remoteArgs...)
	cmd := exec.CommandContext(ctx, sshBin, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Error{Op: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Op: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: "spawn", Err: fmt.Errorf("failed to start %s: %w", sshBin, err)}
	}

	return &processConn{
		Conn: NewStream(stdout, stdin, stdin),
		cmd:  cmd,
	}, nil
}
