package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/planmesh/core/internal/protocol"
)

// ============================================================================
// FLAT-FILE SPOOL (TIER 5)
// ============================================================================

const (
	spoolSuffix = ".frame"
	spoolTemp   = ".tmp"
)

// Spool is the last-resort tier: one file per frame in a directory, written
// via temp-and-rename so a crash never leaves a half-written frame visible.
// File names order by enqueue time.
type Spool struct {
	mu  sync.Mutex
	dir string
	seq uint64
}

// OpenSpool creates the spool directory if needed.
func OpenSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Append writes the frame as its own file.
func (s *Spool) Append(f *protocol.Frame) error {
	record, err := f.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("%020d-%06d-%s%s",
		time.Now().UnixNano(), s.seq, f.Header.MessageID.String(), spoolSuffix)
	s.mu.Unlock()

	tmpPath := filepath.Join(s.dir, name+spoolTemp)
	finalPath := filepath.Join(s.dir, name)

	if err := os.WriteFile(tmpPath, record, 0o600); err != nil {
		return fmt.Errorf("spool write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool commit %s: %w", finalPath, err)
	}
	return nil
}

// Pop removes and returns the oldest frame, or (nil, nil) when the spool is
// empty. Unreadable files are renamed aside rather than retried forever.
func (s *Spool) Pop() (*protocol.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		names, err := s.frameNames()
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, nil
		}

		path := filepath.Join(s.dir, names[0])
		record, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("spool read %s: %w", path, err)
		}

		frame := &protocol.Frame{}
		if err := frame.Unmarshal(record); err != nil {
			os.Rename(path, path+".corrupt")
			continue
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("spool remove %s: %w", path, err)
		}
		return frame, nil
	}
}

// Depth reports the number of spooled frames.
func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.frameNames()
	if err != nil {
		return 0
	}
	return len(names)
}

// Close is a no-op; the spool holds no descriptors between calls.
func (s *Spool) Close() error { return nil }

func (s *Spool) frameNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spoolSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
