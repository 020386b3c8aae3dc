package media

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileSink is a playback sink that appends buffers to a local file in
// submission order. It stands in for a real decoder in the node binary
// and the tests. A fresh sink truncates its file on Open; a resuming
// sink appends after the bytes a previous run already wrote.
type FileSink struct {
	path   string
	resume bool

	mu   sync.Mutex
	file *os.File
}

func NewFileSink(path string, resume bool) *FileSink {
	return &FileSink{path: path, resume: resume}
}

func (s *FileSink) Open(codec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open playback file: %w", err)
	}
	s.file = f
	return nil
}

func (s *FileSink) Append(_ context.Context, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("playback file not open")
	}
	_, err := s.file.Write(buf)
	return err
}

func (s *FileSink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
