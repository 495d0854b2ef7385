// Package cache provides Handle decorators that trade memory for fewer
// underlying reads: a small look-behind window, an LRU block cache and a
// background streaming reader.
package cache

import (
	"context"
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// DefaultWindowSize is the look-behind window retained by Buffered.
const DefaultWindowSize = 64 * 1024

// Buffered keeps the most recently read bytes of a base handle in memory so
// that short backward re-reads do not seek the base. Only the part of a read
// outside the window reaches the base, and the base is seeked only when the
// cursor and the base position disagree.
type Buffered struct {
	base vfscache.Handle
	ctx  context.Context
	name string

	window      []byte
	windowStart int64
	windowSize  int

	pos     int64
	basePos int64
	eof     bool
}

// BufferedOption configures Buffered.
type BufferedOption func(*Buffered)

// WithWindowSize sets the retained window size.
func WithWindowSize(n int) BufferedOption {
	return func(b *Buffered) {
		if n > 0 {
			b.windowSize = n
		}
	}
}

// WithBufferedName sets the cache name used in metrics.
func WithBufferedName(name string) BufferedOption {
	return func(b *Buffered) {
		b.name = name
	}
}

// NewBuffered wraps base, which must be positioned at its current Tell. The
// decorator owns base and closes it.
func NewBuffered(ctx context.Context, base vfscache.Handle, opts ...BufferedOption) *Buffered {
	b := &Buffered{
		base:       base,
		ctx:        context.WithoutCancel(ctx),
		name:       "buffered",
		windowSize: DefaultWindowSize,
		pos:        base.Tell(),
		basePos:    base.Tell(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffered) windowEnd() int64 { return b.windowStart + int64(len(b.window)) }

func (b *Buffered) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	start := b.pos
	n := 0

	// A read that starts just before the window fetches only the bytes in
	// front of it; the rest comes from the window.
	if len(b.window) > 0 && b.pos < b.windowStart && b.pos+int64(len(p)) > b.windowStart {
		got, err := b.readBase(p[:b.windowStart-b.pos])
		n = got
		if err != nil || b.pos != b.windowStart {
			return b.finish(start, p[:n], err)
		}
	}

	if b.pos >= b.windowStart && b.pos < b.windowEnd() {
		k := copy(p[n:], b.window[b.pos-b.windowStart:])
		n += k
		b.pos += int64(k)
		telemetry.RecordCacheLookup(b.ctx, b.name, telemetry.CacheHit)
		if n == len(p) {
			if start < b.windowStart {
				b.slide(start, p)
			}
			return n, nil
		}
	} else {
		telemetry.RecordCacheLookup(b.ctx, b.name, telemetry.CacheMiss)
	}

	got, err := b.readBase(p[n:])
	return b.finish(start, p[:n+got], err)
}

// readBase reads into p from the base at the cursor.
func (b *Buffered) readBase(p []byte) (int, error) {
	if b.basePos != b.pos {
		if _, err := b.base.Seek(b.pos, io.SeekStart); err != nil {
			return 0, err
		}
		b.basePos = b.pos
	}
	got, err := io.ReadFull(b.base, p)
	b.basePos += int64(got)
	b.pos += int64(got)
	return got, err
}

// finish slides the window over data, the bytes read from start, and maps
// a short base read to EOF.
func (b *Buffered) finish(start int64, data []byte, err error) (int, error) {
	b.slide(start, data)
	n := len(data)
	switch err {
	case nil:
		return n, nil
	case io.EOF, io.ErrUnexpectedEOF:
		b.eof = true
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	default:
		return n, err
	}
}

// slide moves the window to cover the tail of a completed read of data
// starting at off.
func (b *Buffered) slide(off int64, data []byte) {
	if len(data) == 0 {
		return
	}
	if off <= b.windowEnd() && off >= b.windowStart && len(b.window) > 0 {
		// Contiguous with or overlapping the window: keep the prefix that
		// precedes off and append the new bytes.
		b.window = append(b.window[:off-b.windowStart], data...)
	} else {
		b.window = append(b.window[:0], data...)
		b.windowStart = off
	}
	if excess := len(b.window) - b.windowSize; excess > 0 {
		b.window = append(b.window[:0], b.window[excess:]...)
		b.windowStart += int64(excess)
	}
}

func (b *Buffered) Write(p []byte) (int, error) {
	b.invalidate()
	if b.basePos != b.pos {
		if _, err := b.base.Seek(b.pos, io.SeekStart); err != nil {
			return 0, err
		}
		b.basePos = b.pos
	}
	n, err := b.base.Write(p)
	b.pos += int64(n)
	b.basePos = b.pos
	return n, err
}

func (b *Buffered) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd {
		end, err := b.base.Seek(offset, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		b.pos, b.basePos, b.eof = end, end, false
		return end, nil
	}
	pos, err := vfscache.SeekPosition(b.pos, 0, offset, whence)
	if err != nil {
		return 0, err
	}
	b.pos, b.eof = pos, false
	return pos, nil
}

func (b *Buffered) invalidate() {
	b.window = b.window[:0]
	b.windowStart = 0
}

func (b *Buffered) Tell() int64 { return b.pos }

func (b *Buffered) EOF() bool { return b.eof }

func (b *Buffered) Flush() error { return b.base.Flush() }

func (b *Buffered) Truncate(size int64) error {
	b.invalidate()
	return b.base.Truncate(size)
}

// Size forwards to the base when it knows its size.
func (b *Buffered) Size() (int64, error) {
	if s, ok := b.base.(vfscache.Sizer); ok {
		return s.Size()
	}
	end, err := b.base.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	b.basePos = end
	return end, nil
}

func (b *Buffered) Close() error { return b.base.Close() }

// Clone duplicates the decorator when the base can be cloned. The copy starts
// with an empty window at the same cursor.
func (b *Buffered) Clone(ctx context.Context) (vfscache.Handle, error) {
	c, ok := b.base.(vfscache.Cloner)
	if !ok {
		return nil, vfscache.ErrNotSupported
	}
	base, err := c.Clone(ctx)
	if err != nil {
		return nil, err
	}
	nb := NewBuffered(ctx, base, WithWindowSize(b.windowSize), WithBufferedName(b.name))
	nb.pos = b.pos
	return nb, nil
}

var (
	_ vfscache.Handle = (*Buffered)(nil)
	_ vfscache.Cloner = (*Buffered)(nil)
	_ vfscache.Sizer  = (*Buffered)(nil)
)
