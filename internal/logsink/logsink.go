// Package logsink persists each VM's serial byte stream to a
// per-UUID file under a configured directory.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends payload bytes to <dir>/<uuid>, opening the file
// lazily on first write and keeping it open for the life of the
// process. Appends are not fsynced — intentional, for throughput;
// data can be lost on a hard crash between write and the kernel
// flushing its page cache, which this server accepts.
type FileSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a FileSink rooted at dir. dir must already exist;
// creating it is the deployment's responsibility, not this package's.
func New(dir string) *FileSink {
	return &FileSink{dir: dir, files: make(map[string]*os.File)}
}

// Append writes data to uuid's log file, opening it for append if
// this is the first write seen for that UUID. The per-sink lock
// guards only the file-handle cache and is released before the write,
// so concurrent appends to distinct UUIDs proceed independently and
// appends to the same UUID are not serialized by this sink; each UUID
// only ever has one VM session driver appending to it at a time.
func (s *FileSink) Append(uuid string, data []byte) error {
	s.mu.Lock()
	f, ok := s.files[uuid]
	if !ok {
		path := filepath.Join(s.dir, uuid)
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("open log file for %s: %w", uuid, err)
		}
		s.files[uuid] = f
	}
	s.mu.Unlock()

	_, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("append log file for %s: %w", uuid, err)
	}
	return nil
}

// Close closes every open log file. Called during shutdown.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for uuid, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log file for %s: %w", uuid, err)
		}
	}
	return firstErr
}
