package backend

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// SubfilePrefix is the prefix the sub-range handler is registered under.
const SubfilePrefix = "/vsisubfile/"

// SubfilePath builds "/vsisubfile/<start>_<size>,<name>". A size of 0 extends
// the range to the end of the underlying file.
func SubfilePath(start, size int64, name string) string {
	return SubfilePrefix + strconv.FormatInt(start, 10) + "_" + strconv.FormatInt(size, 10) + "," + name
}

// ParseSubfilePath splits a sub-range path into its start, size and
// underlying file name. The size part is optional.
func ParseSubfilePath(p string) (start, size int64, name string, err error) {
	rest, ok := strings.CutPrefix(strings.ReplaceAll(p, "\\", "/"), SubfilePrefix)
	if !ok {
		return 0, 0, "", fmt.Errorf("%s is not a sub-range path: %w", p, vfscache.ErrBadParameter)
	}
	spec, name, ok := strings.Cut(rest, ",")
	if !ok || name == "" {
		return 0, 0, "", fmt.Errorf("missing file name in %s: %w", p, vfscache.ErrBadParameter)
	}
	startStr, sizeStr, hasSize := strings.Cut(spec, "_")
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, "", fmt.Errorf("invalid start offset in %s: %w", p, vfscache.ErrBadParameter)
	}
	if hasSize {
		size, err = strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || size < 0 {
			return 0, 0, "", fmt.Errorf("invalid size in %s: %w", p, vfscache.ErrBadParameter)
		}
	}
	return start, size, name, nil
}

// Subfile exposes a byte range of another virtual file as a file of its own.
type Subfile struct {
	vfscache.Unimplemented
	opener vfscache.Opener
	stat   func(ctx context.Context, name string) (vfscache.FileInfo, error)
}

// NewSubfile creates a sub-range handler that opens underlying files through
// reg.
func NewSubfile(reg *vfscache.Registry) *Subfile {
	return &Subfile{opener: reg, stat: reg.Stat}
}

// Open opens a sub-range. Only read and update modes are accepted.
func (s *Subfile) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if md.Create || md.Append {
		return nil, fmt.Errorf("mode %q on sub-range: %w", mode, vfscache.ErrNotSupported)
	}
	start, size, name, err := ParseSubfilePath(p)
	if err != nil {
		return nil, err
	}
	base, err := s.opener.Open(ctx, name, mode)
	if err != nil {
		return nil, err
	}
	return NewSubfileHandle(base, start, size), nil
}

// Stat reports the size of the range, clipped to the underlying file.
func (s *Subfile) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	start, size, name, err := ParseSubfilePath(p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi, err := s.stat(ctx, name)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	avail := max(fi.Size-start, 0)
	if size > 0 && size < avail {
		avail = size
	}
	fi.Size = avail
	return fi, nil
}

// SubfileHandle is a window [start, start+size) over a base handle. A size of
// 0 means the window extends to the end of the base.
type SubfileHandle struct {
	base  vfscache.Handle
	start int64
	size  int64
	pos   int64
	eof   bool
}

// NewSubfileHandle wraps base. The returned handle owns base and closes it.
func NewSubfileHandle(base vfscache.Handle, start, size int64) *SubfileHandle {
	return &SubfileHandle{base: base, start: start, size: size}
}

func (h *SubfileHandle) Read(p []byte) (int, error) {
	if h.size > 0 {
		if h.pos >= h.size {
			h.eof = true
			return 0, io.EOF
		}
		if remain := h.size - h.pos; int64(len(p)) > remain {
			p = p[:remain]
		}
	}
	if _, err := h.base.Seek(h.start+h.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := h.base.Read(p)
	h.pos += int64(n)
	if err == io.EOF {
		h.eof = true
	}
	return n, err
}

func (h *SubfileHandle) Write(p []byte) (int, error) {
	short := false
	if h.size > 0 {
		if h.pos >= h.size {
			return 0, io.ErrShortWrite
		}
		if remain := h.size - h.pos; int64(len(p)) > remain {
			p = p[:remain]
			short = true
		}
	}
	if _, err := h.base.Seek(h.start+h.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := h.base.Write(p)
	h.pos += int64(n)
	if err == nil && short {
		err = io.ErrShortWrite
	}
	return n, err
}

func (h *SubfileHandle) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = h.Size(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(h.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

// Size returns the length of the window.
func (h *SubfileHandle) Size() (int64, error) {
	n, err := vfscache.Size(h.base)
	if err != nil {
		return 0, err
	}
	avail := max(n-h.start, 0)
	if h.size > 0 && h.size < avail {
		avail = h.size
	}
	return avail, nil
}

func (h *SubfileHandle) Tell() int64 { return h.pos }

func (h *SubfileHandle) EOF() bool { return h.eof }

func (h *SubfileHandle) Flush() error { return h.base.Flush() }

func (h *SubfileHandle) Truncate(int64) error { return vfscache.ErrNotSupported }

func (h *SubfileHandle) Close() error { return h.base.Close() }

// Compile-time interface checks
var (
	_ vfscache.Handler = (*Subfile)(nil)
	_ vfscache.Handle  = (*SubfileHandle)(nil)
	_ vfscache.Sizer   = (*SubfileHandle)(nil)
)
