// Package store persists the responder's all-time memory document and the
// per-session snapshot as JSON files, with an optional SQLite cold archive
// for exchanges dropped by retention.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/model/memory"
)

const (
	MemoryFileName  = "z_memory.json"
	SessionFileName = "current_session.json"
)

// FileStore owns the durable document. All writers in the process go through
// its mutex, so sessions sharing a store keep a single insertion order.
type FileStore struct {
	mu sync.Mutex

	dir         string
	memoryPath  string
	sessionPath string
	schema      *jsonschema.Schema
	logger      *zap.Logger
	writeFile   func(path string, data []byte) error
	now         func() time.Time

	doc    *memory.Document
	dirty  bool
	closed bool
}

// Option customises a FileStore.
type Option func(*FileStore)

// WithLogger attaches a logger; the default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriter replaces the atomic file writer. Used to simulate unwritable
// storage.
func WithWriter(write func(path string, data []byte) error) Option {
	return func(s *FileStore) { s.writeFile = write }
}

// WithClock overrides the time source used for new documents.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// Open loads (or initialises) the memory document under dir. A file that
// fails decoding or schema validation is moved aside and replaced with a
// fresh document.
func Open(dir string, identity memory.Identity, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("memory directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	schema, err := compileDocumentSchema()
	if err != nil {
		return nil, fmt.Errorf("compile memory schema: %w", err)
	}

	s := &FileStore{
		dir:         dir,
		memoryPath:  filepath.Join(dir, MemoryFileName),
		sessionPath: filepath.Join(dir, SessionFileName),
		schema:      schema,
		logger:      zap.NewNop(),
		writeFile:   writeFileAtomic,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	doc, err := s.load()
	switch {
	case err == nil:
		s.doc = doc
	case errors.Is(err, os.ErrNotExist):
		s.doc = memory.NewDocument(identity, s.now())
		s.logger.Info("starting new memory document", zap.String("path", s.memoryPath))
	case errors.Is(err, ErrCorrupt):
		backup := s.quarantine()
		s.logger.Warn("memory document corrupt, starting fresh",
			zap.String("path", s.memoryPath), zap.String("backup", backup), zap.Error(err))
		s.doc = memory.NewDocument(identity, s.now())
	default:
		return nil, fmt.Errorf("load memory document: %w", err)
	}

	return s, nil
}

// Dir returns the directory holding the store's files.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the memory document path.
func (s *FileStore) Path() string { return s.memoryPath }

// View runs fn with read access to the document. fn must not retain
// references past its return.
func (s *FileStore) View(fn func(doc *memory.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// Snapshot returns a deep copy of the document.
func (s *FileStore) Snapshot() *memory.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Update applies fn and writes the document before returning. If fn fails
// nothing is written. If the write fails the change is kept in memory, the
// store is marked dirty and a *PersistenceError is returned.
func (s *FileStore) Update(ctx context.Context, fn func(doc *memory.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := fn(s.doc); err != nil {
		return err
	}
	s.dirty = true
	return s.flushLocked(ctx)
}

// Mutate applies fn and defers the write to the next Update or Flush.
func (s *FileStore) Mutate(fn func(doc *memory.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := fn(s.doc); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// Flush writes the document if it has unsaved changes.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Dirty reports whether changes are waiting to be written.
func (s *FileStore) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// SaveSession writes the session snapshot file.
func (s *FileStore) SaveSession(ctx context.Context, snap memory.SessionSnapshot) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "session", Path: s.sessionPath, Err: err}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFile(s.sessionPath, data); err != nil {
		return &PersistenceError{Op: "session", Path: s.sessionPath, Err: err}
	}
	return nil
}

// LoadSession reads the last written session snapshot.
func (s *FileStore) LoadSession() (*memory.SessionSnapshot, error) {
	data, err := os.ReadFile(s.sessionPath)
	if err != nil {
		return nil, err
	}
	var snap memory.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.sessionPath, err)
	}
	return &snap, nil
}

// Close flushes pending changes. Later writes fail with ErrClosed.
func (s *FileStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked(ctx)
	s.closed = true
	return err
}

func (s *FileStore) flushLocked(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "memory", Path: s.memoryPath, Err: err}
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory document: %w", err)
	}
	if err := s.writeFile(s.memoryPath, data); err != nil {
		s.logger.Error("memory write failed", zap.String("path", s.memoryPath), zap.Error(err))
		return &PersistenceError{Op: "memory", Path: s.memoryPath, Err: err}
	}
	s.dirty = false
	return nil
}

func (s *FileStore) load() (*memory.Document, error) {
	raw, err := os.ReadFile(s.memoryPath)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(s.schema, raw); err != nil {
		return nil, err
	}

	var doc memory.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	doc.Normalize()
	return &doc, nil
}

func (s *FileStore) quarantine() string {
	backup := fmt.Sprintf("%s.corrupt-%d", s.memoryPath, s.now().Unix())
	if err := os.Rename(s.memoryPath, backup); err != nil {
		s.logger.Warn("could not move corrupt memory document aside", zap.Error(err))
		return ""
	}
	return backup
}

// writeFileAtomic replaces path via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
