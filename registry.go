// Package vfscache provides a virtual filesystem: a registry of path-prefix
// handlers addressing plain files, memory buffers, archive members, compressed
// and encrypted streams through one Handle contract.
package vfscache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
)

// Registry maps path prefixes to handlers. Prefixes are checked in
// registration order and the first match wins, so more specific prefixes must
// be registered before general ones. Paths matching no prefix go to the
// default handler.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  []*registryEntry
	fallback Handler
	logger   *slog.Logger
	closed   bool
}

type registryEntry struct {
	prefix  string
	handler Handler

	// lazy handlers are built on first resolution.
	once  sync.Once
	build func() (Handler, error)
	err   error
}

func (e *registryEntry) resolve() (Handler, error) {
	if e.build != nil {
		e.once.Do(func() {
			e.handler, e.err = e.build()
		})
	}
	return e.handler, e.err
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDefaultHandler sets the handler for paths matching no prefix.
func WithDefaultHandler(h Handler) Option {
	return func(r *Registry) {
		r.fallback = h
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		fallback: missingHandler{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs h under prefix. Registering an existing prefix replaces
// its handler in place, keeping its search position.
func (r *Registry) Register(prefix string, h Handler) {
	r.install(&registryEntry{prefix: normalizePrefix(prefix), handler: h})
}

// RegisterLazy installs a handler built on first use of prefix. build runs at
// most once even under concurrent first use.
func (r *Registry) RegisterLazy(prefix string, build func() (Handler, error)) {
	r.install(&registryEntry{prefix: normalizePrefix(prefix), build: build})
}

func (r *Registry) install(e *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entries {
		if existing.prefix == e.prefix {
			r.entries[i] = e
			r.logger.Debug("replaced handler", "prefix", e.prefix)
			return
		}
	}
	r.entries = append(r.entries, e)
	r.logger.Debug("installed handler", "prefix", e.prefix, "lazy", e.build != nil)
}

// Ensure returns the handler registered under prefix, building and
// registering it with build when absent. Concurrent callers observe a single
// build.
func (r *Registry) Ensure(prefix string, build func() (Handler, error)) (Handler, error) {
	prefix = normalizePrefix(prefix)

	r.mu.RLock()
	for _, e := range r.entries {
		if e.prefix == prefix {
			r.mu.RUnlock()
			return e.resolve()
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	var entry *registryEntry
	for _, e := range r.entries {
		if e.prefix == prefix {
			entry = e
			break
		}
	}
	if entry == nil {
		entry = &registryEntry{prefix: prefix, build: build}
		r.entries = append(r.entries, entry)
		r.logger.Debug("installed handler on first use", "prefix", prefix)
	}
	r.mu.Unlock()
	return entry.resolve()
}

// Prefixes returns the registered prefixes in search order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.prefix)
	}
	return out
}

// Resolve returns the handler for path and the prefix that matched. The
// prefix is empty when the default handler is selected.
func (r *Registry) Resolve(path string) (Handler, string, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, "", fmt.Errorf("registry closed: %w", ErrClosed)
	}
	var match *registryEntry
	for _, e := range r.entries {
		if prefixMatches(e.prefix, path) {
			match = e
			break
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if match == nil {
		return fallback, "", nil
	}
	h, err := match.resolve()
	if err != nil {
		return nil, match.prefix, fmt.Errorf("installing handler %s: %w", match.prefix, err)
	}
	return h, match.prefix, nil
}

// Open opens path with mode.
func (r *Registry) Open(ctx context.Context, path, mode string) (Handle, error) {
	h, _, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	handle, err := h.Open(ctx, path, mode)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}
	return handle, nil
}

// Stat describes path.
func (r *Registry) Stat(ctx context.Context, path string) (FileInfo, error) {
	h, _, err := r.Resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := h.Stat(ctx, path)
	if err != nil {
		return FileInfo{}, &PathError{Op: "stat", Path: path, Err: err}
	}
	return fi, nil
}

// Exists reports whether path can be stat'ed.
func (r *Registry) Exists(ctx context.Context, path string) bool {
	_, err := r.Stat(ctx, path)
	return err == nil
}

// Unlink removes a file.
func (r *Registry) Unlink(ctx context.Context, path string) error {
	h, _, err := r.Resolve(path)
	if err != nil {
		return err
	}
	if err := h.Unlink(ctx, path); err != nil {
		return &PathError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

// Rename moves oldPath to newPath. Both paths must resolve to the same handler.
func (r *Registry) Rename(ctx context.Context, oldPath, newPath string) error {
	h, prefix, err := r.Resolve(oldPath)
	if err != nil {
		return err
	}
	_, newPrefix, err := r.Resolve(newPath)
	if err != nil {
		return err
	}
	if prefix != newPrefix {
		return &PathError{Op: "rename", Path: oldPath, Err: fmt.Errorf("cross-handler rename to %s: %w", newPath, ErrNotSupported)}
	}
	if err := h.Rename(ctx, oldPath, newPath); err != nil {
		return &PathError{Op: "rename", Path: oldPath, Err: err}
	}
	return nil
}

// Mkdir creates a directory.
func (r *Registry) Mkdir(ctx context.Context, path string, perm fs.FileMode) error {
	h, _, err := r.Resolve(path)
	if err != nil {
		return err
	}
	if err := h.Mkdir(ctx, path, perm); err != nil {
		return &PathError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// Rmdir removes an empty directory.
func (r *Registry) Rmdir(ctx context.Context, path string) error {
	h, _, err := r.Resolve(path)
	if err != nil {
		return err
	}
	if err := h.Rmdir(ctx, path); err != nil {
		return &PathError{Op: "rmdir", Path: path, Err: err}
	}
	return nil
}

// ReadDir lists the children of a directory.
func (r *Registry) ReadDir(ctx context.Context, path string) ([]FileInfo, error) {
	h, _, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := h.ReadDir(ctx, path)
	if err != nil {
		return nil, &PathError{Op: "readdir", Path: path, Err: err}
	}
	return entries, nil
}

// ReadFile reads the whole content of path.
func (r *Registry) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f, err := r.Open(ctx, path, "rb")
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// WriteFile replaces the content of path. Handlers implementing FileWriter
// perform the replacement atomically.
func (r *Registry) WriteFile(ctx context.Context, path string, data []byte) error {
	h, _, err := r.Resolve(path)
	if err != nil {
		return err
	}
	if fw, ok := h.(FileWriter); ok {
		if err := fw.WriteFile(ctx, path, data); err != nil {
			return &PathError{Op: "write", Path: path, Err: err}
		}
		return nil
	}
	f, err := h.Open(ctx, path, "wb")
	if err != nil {
		return &PathError{Op: "write", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &PathError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PathError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Close tears the registry down, closing every handler that implements
// io.Closer in reverse registration order. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	fallback := r.fallback
	r.entries = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		// Waits for an in-flight build and prevents a later one.
		e.once.Do(func() {})
		if c, ok := e.handler.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing handler %s: %w", e.prefix, err))
			}
		}
	}
	if c, ok := fallback.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing default handler: %w", err))
		}
	}
	return errors.Join(errs...)
}

// normalizePrefix converts backslashes to slashes and ensures a trailing slash.
func normalizePrefix(prefix string) string {
	prefix = strings.ReplaceAll(prefix, "\\", "/")
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// prefixMatches reports whether path falls under prefix (which ends in '/').
// The prefix without its trailing separator matches exactly, and a backslash
// is accepted in place of the trailing separator.
func prefixMatches(prefix, path string) bool {
	if strings.HasPrefix(path, prefix) {
		return true
	}
	base := prefix[:len(prefix)-1]
	if path == base {
		return true
	}
	return len(path) > len(base) && path[len(base)] == '\\' && strings.HasPrefix(path, base)
}
