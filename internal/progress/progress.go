package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Meter renders a single-line counter for long scans and transfers. The
// total is unknown up front, so it counts instead of drawing a bar. It
// writes to stderr because stdout may carry protocol frames, and stays
// silent when stderr is not a terminal.
type Meter struct {
	label      string
	writer     io.Writer
	mu         sync.Mutex
	count      int64
	last       string
	lastUpdate time.Time
	enabled    bool
}

func NewMeter(label string) *Meter {
	return &Meter{
		label:   label,
		writer:  os.Stderr,
		enabled: isTerminal(os.Stderr),
	}
}

func isTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Observe records one processed path.
func (m *Meter) Observe(path string) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.last = filepath.Base(path)

	// Update at most every 100ms to reduce flickering
	now := time.Now()
	if now.Sub(m.lastUpdate) > 100*time.Millisecond {
		m.lastUpdate = now
		m.render()
	}
}

// render must be called with mu already locked
func (m *Meter) render() {
	fmt.Fprintf(m.writer, "\r\033[K%s: %d files | %s", m.label, m.count, m.last)
}

// Finish draws the final count and releases the line.
func (m *Meter) Finish() {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return
	}
	fmt.Fprintf(m.writer, "\r\033[K%s: %d files\n", m.label, m.count)
}
