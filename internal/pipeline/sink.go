package pipeline

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
)

// Sink receives one JSON document per finished record.
type Sink interface {
	Write(v any) error
	Close() error
}

// JSONLSink appends JSON Lines to a file. Each document is encoded in full
// before a single write under the mutex, so concurrent workers never
// interleave partial lines.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenJSONLSink opens path for appending, creating it and its directory
// when missing.
func OpenJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sink: create directory for %s", path)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "sink: open %s", path)
	}
	return &JSONLSink{f: f, path: path}, nil
}

// Write encodes v as one line.
func (s *JSONLSink) Write(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return eris.Wrapf(err, "sink: encode for %s", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return eris.Wrapf(err, "sink: write %s", s.path)
	}
	return nil
}

// Close syncs and closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return eris.Wrapf(err, "sink: sync %s", s.path)
	}
	return eris.Wrapf(s.f.Close(), "sink: close %s", s.path)
}

// MemorySink keeps encoded lines in memory. It backs tests and the retry
// pass when no output file is configured.
type MemorySink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (s *MemorySink) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sink: encode")
	}
	s.mu.Lock()
	s.lines = append(s.lines, data)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Lines returns a copy of the written lines.
func (s *MemorySink) Lines() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.lines...)
}
