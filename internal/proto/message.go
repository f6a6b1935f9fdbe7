// Package proto defines the session protocol: a closed set of message
// variants exchanged as frames over a transport. Messages are
// constructed, encoded, sent and discarded; they carry no state beyond
// the session.
package proto

import (
	"encoding/json"
	"fmt"

	"fync/internal/diff"
)

// Version is the protocol version carried in Hello. Peers with
// mismatched versions refuse to proceed.
const Version = 1

// ChunkSize is the payload size of a FileDataChunk. Files larger than
// this travel as multiple chunks, pipelined without waiting for acks.
const ChunkSize = 256 * 1024

type Type uint8

const (
	TypeHello Type = iota + 1
	TypeSummary
	TypeChangeSet
	TypeFileData
	TypeAck
	TypeError
	TypeDone
)

// Message is implemented by exactly the variants below; Decode switches
// over the closed set so an unknown type is a protocol error, not a
// silent skip.
type Message interface {
	msgType() Type
}

// Hello opens a session.
type Hello struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// SnapshotSummary advertises one side's scan result before change sets
// are exchanged. Matching roots mean convergent trees.
type SnapshotSummary struct {
	Root       string `json:"root"`
	Generation uint64 `json:"generation"`
	Files      int    `json:"files"`
}

// ChangeSetMsg carries one side's changes since the shared ancestor.
type ChangeSetMsg struct {
	Changes []diff.FileChange `json:"changes"`
}

// FileDataChunk streams file content. Offsets are sequential per path;
// Last marks the final chunk of a file (an empty file is a single Last
// chunk with no data).
type FileDataChunk struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data,omitempty"`
	Last   bool   `json:"last,omitempty"`
}

// Ack confirms a fully received and verified file.
type Ack struct {
	Path string `json:"path"`
}

// ErrorMsg reports a fatal condition before the sender closes.
type ErrorMsg struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Done signals a clean end of the sender's side of the session.
type Done struct{}

func (Hello) msgType() Type           { return TypeHello }
func (SnapshotSummary) msgType() Type { return TypeSummary }
func (ChangeSetMsg) msgType() Type    { return TypeChangeSet }
func (FileDataChunk) msgType() Type   { return TypeFileData }
func (Ack) msgType() Type             { return TypeAck }
func (ErrorMsg) msgType() Type        { return TypeError }
func (Done) msgType() Type            { return TypeDone }

// ProtocolError is fatal: it aborts the session with no partial commit.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Encode serializes a message as a one-byte type tag followed by the
// JSON payload.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(m.msgType()))
	frame = append(frame, body...)
	return frame, nil
}

// Decode parses a frame back into its message variant.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 1 {
		return nil, &ProtocolError{Reason: "empty frame"}
	}

	body := frame[1:]
	var m Message
	switch Type(frame[0]) {
	case TypeHello:
		m = &Hello{}
	case TypeSummary:
		m = &SnapshotSummary{}
	case TypeChangeSet:
		m = &ChangeSetMsg{}
	case TypeFileData:
		m = &FileDataChunk{}
	case TypeAck:
		m = &Ack{}
	case TypeError:
		m = &ErrorMsg{}
	case TypeDone:
		m = &Done{}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", frame[0])}
	}

	if err := json.Unmarshal(body, m); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed %T payload: %v", m, err)}
	}
	return m, nil
}
