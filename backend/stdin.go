package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// StdinPrefix is the prefix the standard input handler is registered under.
const StdinPrefix = "/vsistdin/"

// DefaultStdinCacheSize is how much of the head of the stream is retained so
// that readers can seek back into it.
const DefaultStdinCacheSize = 1 << 20

// Stdin exposes a forward-only stream as a file. The first cacheSize bytes
// are retained; seeking backwards into that prefix is allowed, seeking
// backwards past it is not.
type Stdin struct {
	vfscache.Unimplemented

	mu        sync.Mutex
	r         io.Reader
	cacheSize int
	cache     []byte
	consumed  int64
	done      bool
}

// StdinOption configures a Stdin handler.
type StdinOption func(*Stdin)

// WithStdinReader replaces os.Stdin as the source stream.
func WithStdinReader(r io.Reader) StdinOption {
	return func(s *Stdin) {
		s.r = r
	}
}

// WithStdinCacheSize sets how many leading bytes are retained.
func WithStdinCacheSize(n int) StdinOption {
	return func(s *Stdin) {
		s.cacheSize = n
	}
}

// NewStdin creates a handler over standard input.
func NewStdin(opts ...StdinOption) *Stdin {
	s := &Stdin{r: os.Stdin, cacheSize: DefaultStdinCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a read cursor over the stream. Handles share the stream and
// its retained prefix.
func (s *Stdin) Open(_ context.Context, _ string, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if md.Write {
		return nil, fmt.Errorf("mode %q on standard input: %w", mode, vfscache.ErrNotSupported)
	}
	return &stdinHandle{src: s}, nil
}

// Stat reports the stream size when it has been read to the end, otherwise
// the number of bytes consumed so far.
func (s *Stdin) Stat(context.Context, string) (vfscache.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vfscache.FileInfo{Name: "stdin", Size: s.consumed, Mode: 0o444}, nil
}

// readAt serves a read at off. Offsets inside the retained prefix are served
// from memory; offsets at or past the consumed point pull from the stream.
func (s *Stdin) readAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off < int64(len(s.cache)) {
		return copy(p, s.cache[off:]), nil
	}
	if off < s.consumed {
		return 0, fmt.Errorf("offset %d is behind the retained %d bytes of standard input: %w",
			off, len(s.cache), vfscache.ErrNotSupported)
	}
	if err := s.skipLocked(off - s.consumed); err != nil {
		return 0, err
	}
	if s.done {
		return 0, io.EOF
	}
	n, err := s.pullLocked(p)
	if n > 0 {
		return n, nil
	}
	return 0, err
}

// pullLocked reads once from the stream, retaining what fits in the cache.
func (s *Stdin) pullLocked(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		if room := s.cacheSize - len(s.cache); room > 0 && s.consumed == int64(len(s.cache)) {
			s.cache = append(s.cache, p[:min(n, room)]...)
		}
		s.consumed += int64(n)
	}
	if err == io.EOF {
		s.done = true
	}
	return n, err
}

// skipLocked discards n bytes from the stream.
func (s *Stdin) skipLocked(n int64) error {
	buf := make([]byte, 32*1024)
	for n > 0 && !s.done {
		chunk := buf[:min(int64(len(buf)), n)]
		read, err := s.pullLocked(chunk)
		n -= int64(read)
		if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// drain reads the stream to the end and returns its total size.
func (s *Stdin) drain() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 32*1024)
	for !s.done {
		if _, err := s.pullLocked(buf); err != nil && err != io.EOF {
			return 0, err
		}
	}
	return s.consumed, nil
}

func (s *Stdin) canSeek(off int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return off < int64(len(s.cache)) || off >= s.consumed
}

type stdinHandle struct {
	vfscache.ReadOnly
	src    *Stdin
	pos    int64
	eof    bool
	closed bool
}

func (h *stdinHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	total := 0
	for total < len(p) {
		n, err := h.src.readAt(p[total:], h.pos)
		total += n
		h.pos += int64(n)
		if err == io.EOF {
			h.eof = true
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (h *stdinHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = h.src.drain(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(h.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	if !h.src.canSeek(pos) {
		return 0, fmt.Errorf("backward seek to %d on standard input: %w", pos, vfscache.ErrNotSupported)
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *stdinHandle) Tell() int64 { return h.pos }

func (h *stdinHandle) EOF() bool { return h.eof }

func (h *stdinHandle) Close() error {
	if h.closed {
		return vfscache.ErrClosed
	}
	h.closed = true
	return nil
}

// Compile-time interface checks
var (
	_ vfscache.Handler = (*Stdin)(nil)
	_ vfscache.Handle  = (*stdinHandle)(nil)
)
