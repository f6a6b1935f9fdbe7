package hash

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestFile_SmallFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	content := []byte("Hello, World!")
	if err := os.WriteFile(testFile, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	got, err := File(testFile)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}

	// Compute expected hash
	h := xxhash.New()
	h.Write(content)
	expected := hex.EncodeToString(h.Sum(nil))

	if got != expected {
		t.Errorf("Hash mismatch: expected %s, got %s", expected, got)
	}

	if Bytes(content) != expected {
		t.Errorf("Bytes should agree with streaming digest")
	}
}

func TestFile_LargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "large.bin")

	// Create a 1MB file
	size := 1024 * 1024
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}

	if err := os.WriteFile(testFile, data, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	got, err := File(testFile)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}

	if got != Bytes(data) {
		t.Errorf("Hash mismatch: expected %s, got %s", Bytes(data), got)
	}
}

func TestFile_NonExistent(t *testing.T) {
	_, err := File("/nonexistent/file.txt")
	if err == nil {
		t.Error("File should return error for nonexistent file")
	}
}

func TestFile_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "empty.txt")

	if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	got, err := File(testFile)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}

	// Empty file should still produce a valid hash
	if got == "" {
		t.Error("Hash should not be empty string")
	}
}

func TestWriter_MatchesBytes(t *testing.T) {
	var buf bytes.Buffer
	hw := NewWriter(&buf)

	content := []byte("chunk one, chunk two")
	if _, err := hw.Write(content[:10]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := hw.Write(content[10:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := hw.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), content) {
		t.Error("Writer should pass bytes through unchanged")
	}
	if hw.Sum() != Bytes(content) {
		t.Errorf("Sum mismatch: expected %s, got %s", Bytes(content), hw.Sum())
	}
}

func TestXXHashFunc(t *testing.T) {
	data := []byte("test data")

	hashBytes, err := XXHashFunc(data)
	if err != nil {
		t.Fatalf("XXHashFunc failed: %v", err)
	}

	if len(hashBytes) != 8 {
		t.Errorf("Expected 8 bytes, got %d", len(hashBytes))
	}

	// Test consistency - same input should produce same output
	hashBytes2, err := XXHashFunc(data)
	if err != nil {
		t.Fatalf("XXHashFunc failed on second call: %v", err)
	}

	if hex.EncodeToString(hashBytes) != hex.EncodeToString(hashBytes2) {
		t.Error("XXHashFunc should be deterministic")
	}
}
