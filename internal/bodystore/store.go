// Package bodystore implements the streaming body sink of spec.md §4.3
// used by the HTTP session for any request whose body must survive past
// the parse (an upload destined for upload_store, or a body destined for
// a CGI script's stdin): it appends decoded octets to a temp file rather
// than buffering them in memory.
package bodystore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store is an io.Writer that appends to a temp file, and can later be
// reopened for read (by the CGI subsystem, to pipe into a script's stdin)
// or committed into an upload_store directory.
type Store struct {
	file      *os.File
	path      string
	committed bool
}

// New creates a new temp file under dir to receive a streamed request
// body. Names are UUIDv4 (github.com/google/uuid) rather than a counter,
// so concurrent sessions across process restarts never collide, per
// SPEC_FULL.md's upload/session identifiers section.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bodystore: mkdir %s: %w", dir, err)
	}
	name := uuid.NewString()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bodystore: create %s: %w", path, err)
	}
	return &Store{file: f, path: path}, nil
}

// Write appends p, implementing io.Writer so the parser can use a Store
// directly as its streaming sink.
func (s *Store) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Path returns the temp file's path.
func (s *Store) Path() string { return s.path }

// Size returns the number of bytes written so far.
func (s *Store) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReopenForRead returns a fresh read-only fd positioned at offset 0,
// leaving the Store's own write handle untouched; used to hand a fd to
// the CGI subsystem's stdin-refill path or to a FileSource serving an
// upload acknowledgement.
func (s *Store) ReopenForRead() (*os.File, error) {
	if err := s.file.Sync(); err != nil {
		return nil, fmt.Errorf("bodystore: sync %s: %w", s.path, err)
	}
	return os.Open(s.path)
}

// Commit marks the store as kept (not deleted on Close/reset), per
// spec.md §3's invariant: "A BodyStore configured for upload is never
// deleted on reset unless commit was not reached."
func (s *Store) Commit() {
	s.committed = true
}

// Close closes the write handle and, unless Commit was called, removes
// the temp file.
func (s *Store) Close() error {
	err := s.file.Close()
	if !s.committed {
		_ = os.Remove(s.path)
	}
	return err
}

// MoveTo moves the committed store's file into destDir under its original
// leaf name, used by the store-body action to materialize the final
// upload artifact spec.md §4.8 describes.
func (s *Store) MoveTo(destDir string) (finalPath string, err error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("bodystore: mkdir %s: %w", destDir, err)
	}
	leaf := filepath.Base(s.path)
	dest := filepath.Join(destDir, leaf)
	if err := os.Rename(s.path, dest); err != nil {
		return "", fmt.Errorf("bodystore: rename to %s: %w", dest, err)
	}
	s.Commit()
	s.path = dest
	return dest, nil
}
