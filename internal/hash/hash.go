package hash

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const bufferSize = 32 * 1024 // 32KB buffer for streaming

// File computes the xxHash of a file's contents using streaming for large files.
// The digest is returned as lowercase hex and is stable across runs.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return Reader(file)
}

// Reader computes the xxHash of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := xxhash.New()
	buf := make([]byte, bufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes computes the xxHash of a byte slice as lowercase hex.
func Bytes(data []byte) string {
	h := xxhash.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewWriter returns a hashing writer whose Sum reports the hex digest of
// everything written so far. Used to digest file content as it is staged.
func NewWriter(w io.Writer) *Writer {
	return &Writer{h: xxhash.New(), w: bufio.NewWriterSize(w, bufferSize)}
}

type Writer struct {
	h *xxhash.Digest
	w *bufio.Writer
}

func (hw *Writer) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	return n, err
}

// Flush flushes the buffered writer.
func (hw *Writer) Flush() error {
	return hw.w.Flush()
}

// Sum returns the hex digest of the bytes written so far.
func (hw *Writer) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// XXHashFunc is a custom hash function adapter for go-merkletree
// It converts []byte input to xxHash []byte output
func XXHashFunc(data []byte) ([]byte, error) {
	h := xxhash.New()
	h.Write(data)
	sum := h.Sum64()

	// Convert uint64 to []byte in big-endian format
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return buf, nil
}
