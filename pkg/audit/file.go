package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends NDJSON lines to a local file. Each entry is written with a
// single Write call under a mutex so lines never interleave.
type FileSink struct {
	mu    sync.Mutex
	f     *os.File
	fsync bool
}

// OpenFile opens path for append, creating it with mode 0600.
func OpenFile(path string, fsync bool) (*FileSink, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{f: f, fsync: fsync}, nil
}

func (s *FileSink) Append(_ context.Context, e Entry) error {
	line, err := Line(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errNoSink
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if s.fsync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
