package vfscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// SharedFiles hands out reference-counted handles for read-compatible modes.
// Acquiring the same (path, mode, large, process) twice returns handles backed
// by one underlying Handle, which is closed when the last owner releases it.
//
// Owners share a single cursor and must coordinate their seeks. A shared
// handle opened in an update mode rejects writes while it has more than one
// owner.
type SharedFiles struct {
	opener  Opener
	logger  *slog.Logger
	pid     int
	mu      sync.Mutex
	entries map[sharedKey]*sharedEntry
}

type sharedKey struct {
	path  string
	mode  string
	large bool
	pid   int
}

type sharedEntry struct {
	key    sharedKey
	handle Handle
	refs   int
	update bool
}

// SharedOption configures SharedFiles.
type SharedOption func(*SharedFiles)

// WithSharedLogger sets the logger.
func WithSharedLogger(logger *slog.Logger) SharedOption {
	return func(s *SharedFiles) {
		s.logger = logger
	}
}

// NewSharedFiles creates a shared-handle cache opening files through opener.
func NewSharedFiles(opener Opener, opts ...SharedOption) *SharedFiles {
	s := &SharedFiles{
		opener:  opener,
		logger:  slog.Default(),
		pid:     os.Getpid(),
		entries: make(map[sharedKey]*sharedEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire returns a handle for path. Modes other than "r", "rb", "r+" and
// "rb+" are opened unshared.
func (s *SharedFiles) Acquire(ctx context.Context, path, mode string, large bool) (Handle, error) {
	if !IsReadShareable(mode) {
		return s.opener.Open(ctx, path, mode)
	}
	key := sharedKey{
		path:  strings.ReplaceAll(path, "\\", "/"),
		mode:  mode,
		large: large,
		pid:   s.pid,
	}

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.refs++
		refs := e.refs
		s.mu.Unlock()
		s.logger.Debug("reusing shared handle", "path", key.path, "mode", mode, "refs", refs)
		return &sharedHandle{entry: e, owner: s}, nil
	}
	s.mu.Unlock()

	// Opening may be slow (network, archive scans) so it runs unlocked.
	h, err := s.opener.Open(ctx, path, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		// Another caller opened the same key first.
		e.refs++
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			s.logger.Debug("closing duplicate shared open", "path", key.path, "error", err)
		}
		return &sharedHandle{entry: e, owner: s}, nil
	}
	e := &sharedEntry{
		key:    key,
		handle: h,
		refs:   1,
		update: strings.ContainsRune(mode, '+'),
	}
	s.entries[key] = e
	s.mu.Unlock()
	return &sharedHandle{entry: e, owner: s}, nil
}

// Refs returns the reference count for an entry, or 0 when absent.
func (s *SharedFiles) Refs(path, mode string, large bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sharedKey{path: strings.ReplaceAll(path, "\\", "/"), mode: mode, large: large, pid: s.pid}
	if e, ok := s.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live shared entries.
func (s *SharedFiles) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SharedFiles) release(e *sharedEntry) error {
	s.mu.Lock()
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, e.key)
	s.mu.Unlock()
	s.logger.Debug("closing shared handle", "path", e.key.path, "mode", e.key.mode)
	return e.handle.Close()
}

func (s *SharedFiles) owners(e *sharedEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.refs
}

// Close releases every entry regardless of reference counts.
func (s *SharedFiles) Close() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[sharedKey]*sharedEntry)
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.refs = 0
		if err := e.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", e.key.path, err))
		}
	}
	return errors.Join(errs...)
}

// sharedHandle is one owner's view of a shared entry.
type sharedHandle struct {
	entry  *sharedEntry
	owner  *SharedFiles
	closed bool
}

func (h *sharedHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return h.entry.handle.Read(p)
}

func (h *sharedHandle) Write(p []byte) (int, error) {
	if err := h.checkWrite(); err != nil {
		return 0, err
	}
	return h.entry.handle.Write(p)
}

func (h *sharedHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return h.entry.handle.Seek(offset, whence)
}

func (h *sharedHandle) Tell() int64 { return h.entry.handle.Tell() }

func (h *sharedHandle) EOF() bool { return h.entry.handle.EOF() }

func (h *sharedHandle) Flush() error {
	if h.closed {
		return ErrClosed
	}
	return h.entry.handle.Flush()
}

func (h *sharedHandle) Truncate(size int64) error {
	if err := h.checkWrite(); err != nil {
		return err
	}
	return h.entry.handle.Truncate(size)
}

func (h *sharedHandle) Close() error {
	if h.closed {
		return fmt.Errorf("double close of shared handle %s: %w", h.entry.key.path, ErrClosed)
	}
	h.closed = true
	return h.owner.release(h.entry)
}

func (h *sharedHandle) checkWrite() error {
	if h.closed {
		return ErrClosed
	}
	if !h.entry.update {
		return ErrNotSupported
	}
	if n := h.owner.owners(h.entry); n > 1 {
		return fmt.Errorf("write to %s shared by %d owners: %w", h.entry.key.path, n, ErrConcurrency)
	}
	return nil
}

var _ Handle = (*sharedHandle)(nil)
