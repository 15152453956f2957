// Package dump persists raw DNS packets to disk for offline inspection.
// Writes are best-effort: a failed dump is reported to the caller for
// logging and never interrupts request processing.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Direction tags for dumped packets
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// seq disambiguates files written within the same nanosecond timestamp
var seq atomic.Uint64

// Writer persists packets into a fixed directory
type Writer struct {
	dir string
}

// NewWriter creates a packet dump writer for the given directory,
// creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("dump directory not set")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the configured dump directory
func (w *Writer) Dir() string {
	return w.dir
}

// Write persists one packet tagged with its direction. The file name carries
// the direction, a sub-second timestamp and a counter so concurrent writers
// never collide. Returns the written path.
func (w *Writer) Write(direction string, data []byte) (string, error) {
	name := fmt.Sprintf("dns_%s_%s_%06d.bin",
		direction,
		time.Now().Format("20060102T150405.000000000"),
		seq.Add(1)%1000000,
	)
	path := filepath.Join(w.dir, name)

	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("failed to write packet dump: %w", err)
	}
	return path, nil
}
