package gzipfs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"slices"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/internal/inflate"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// MinSnapshotInterval is the smallest distance in compressed bytes between
// two decoder snapshots.
const MinSnapshotInterval = 64 * 1024

const decodeChunk = 64 * 1024

// snapshot is a frozen decoder positioned inside the compressed stream.
// Snapshots are never mutated; restoring one clones it again.
type snapshot struct {
	dec *inflate.Decoder
	crc uint32
	out int64
}

// state is everything a Reader knows about its stream apart from the base
// handle. Cloning a state is how readers are duplicated.
type state struct {
	name string

	// start and end bound the compressed data within the base handle.
	start int64
	end   int64

	raw         bool
	transparent bool
	expectCRC   bool
	expectedCRC uint32

	interval  int64
	initial   *snapshot
	snapshots []*snapshot

	dec *inflate.Decoder
	crc uint32
	// out is the uncompressed offset of the decoder.
	out       int64
	streamEnd bool

	// size is the uncompressed size, or -1 until known.
	size int64
	err  error
}

func (st *state) clone() *state {
	c := *st
	c.snapshots = slices.Clone(st.snapshots)
	if st.dec != nil {
		c.dec = st.dec.Clone()
	}
	return &c
}

func (st *state) compressedSize() int64 { return st.end - st.start }

// Reader is a random-access read-only Handle over a gzip file or a raw
// DEFLATE stream. Backward seeks resume from the nearest snapshot at or before
// the target; snapshots are taken every interval compressed bytes.
type Reader struct {
	vfscache.ReadOnly

	base   vfscache.Handle
	ctx    context.Context
	logger *slog.Logger
	st     *state
	pos    int64
	eof    bool

	// onSize is called once the uncompressed size has been discovered by
	// decoding to the end.
	onSize func(st *state)
	// onClose is called with the final state when the reader is closed.
	onClose func(st *state)
	// reopen opens a fresh base handle for Clone.
	reopen func(ctx context.Context) (vfscache.Handle, error)
}

// RawConfig describes a raw DEFLATE stream embedded in another file, such as
// a deflated zip member.
type RawConfig struct {
	// Offset of the compressed data within the base handle.
	Offset int64

	CompressedSize int64

	// UncompressedSize is the declared member size, or -1 if unknown.
	UncompressedSize int64

	// CRC32 is authoritative when HasCRC is set: no trailer is read.
	CRC32  uint32
	HasCRC bool

	// Reopen opens a new base handle, enabling Clone.
	Reopen func(ctx context.Context) (vfscache.Handle, error)

	// SnapshotInterval overrides the automatic interval.
	SnapshotInterval int64

	Logger *slog.Logger
}

// NewRawReader returns a reader over a raw DEFLATE stream. The reader owns
// base.
func NewRawReader(ctx context.Context, base vfscache.Handle, cfg RawConfig) (*Reader, error) {
	st := &state{
		name:        "raw",
		start:       cfg.Offset,
		end:         cfg.Offset + cfg.CompressedSize,
		raw:         true,
		expectCRC:   cfg.HasCRC,
		expectedCRC: cfg.CRC32,
		size:        cfg.UncompressedSize,
	}
	if st.size < 0 {
		st.size = -1
	}
	st.interval = snapshotInterval(cfg.SnapshotInterval, st.compressedSize())
	st.snapshots = make([]*snapshot, st.compressedSize()/st.interval+1)
	if _, err := base.Seek(st.start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to deflate data: %w", err)
	}
	st.dec = inflate.NewDecoder(&section{h: base, pos: st.start, end: st.end}, st.start)
	st.initial = &snapshot{dec: st.dec.Clone()}
	return newReader(ctx, base, st, cfg.Logger, cfg.Reopen), nil
}

func snapshotInterval(override, compressed int64) int64 {
	if override > 0 {
		return override
	}
	return max(MinSnapshotInterval, compressed/100)
}

// openReader parses the gzip header at the start of base. A base that does
// not start with the gzip magic is served as-is.
func openReader(ctx context.Context, base vfscache.Handle, name string, interval int64, logger *slog.Logger) (*Reader, error) {
	end, err := vfscache.Size(base)
	if err != nil {
		return nil, fmt.Errorf("sizing %s: %w", name, err)
	}
	if _, err := base.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	st := &state{name: name, end: end, size: -1}
	dec := inflate.NewDecoder(&section{h: base, pos: 0, end: end}, 0)
	switch err := readHeader(dec.RawReader()); {
	case errors.Is(err, errNotGzip), errors.Is(err, io.EOF):
		st.transparent = true
		st.size = end
	case err != nil:
		return nil, fmt.Errorf("opening %s: %w", name, asIntegrity(err))
	default:
		st.start = dec.InputOffset()
		st.dec = dec
		st.initial = &snapshot{dec: dec.Clone()}
	}
	st.interval = snapshotInterval(interval, st.compressedSize())
	st.snapshots = make([]*snapshot, st.compressedSize()/st.interval+1)
	return newReader(ctx, base, st, logger, nil), nil
}

func newReader(ctx context.Context, base vfscache.Handle, st *state, logger *slog.Logger, reopen func(context.Context) (vfscache.Handle, error)) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		base:   base,
		ctx:    context.WithoutCancel(ctx),
		logger: logger,
		st:     st,
		reopen: reopen,
	}
}

// attach points a state's decoder at base.
func attach(base vfscache.Handle, st *state) error {
	if st.dec == nil {
		return nil
	}
	off := st.dec.SourceOffset()
	if _, err := base.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to compressed offset %d: %w", off, err)
	}
	st.dec.SetSource(&section{h: base, pos: off, end: st.end})
	return nil
}

func asIntegrity(err error) error {
	if errors.Is(err, vfscache.ErrIntegrity) {
		return err
	}
	return fmt.Errorf("%w: %w", vfscache.ErrIntegrity, err)
}

func (r *Reader) fail(n int, err error) (int, error) {
	r.st.err = fmt.Errorf("decompressing %s: %w", r.st.name, asIntegrity(err))
	r.logger.Debug("gzip stream failed", "path", r.st.name, "offset", r.st.out, "error", err)
	return n, r.st.err
}

// maybeSnapshot records the decoder state when it has entered a compressed
// interval that has no snapshot yet.
func (r *Reader) maybeSnapshot() {
	st := r.st
	idx := (st.dec.InputOffset() - st.start) / st.interval
	if idx < 0 || idx >= int64(len(st.snapshots)) || st.snapshots[idx] != nil {
		return
	}
	st.snapshots[idx] = &snapshot{dec: st.dec.Clone(), crc: st.crc, out: st.out}
	telemetry.RecordGzipSnapshot(r.ctx)
	r.logger.Debug("gzip snapshot", "path", st.name, "index", idx, "in", st.dec.InputOffset(), "out", st.out)
}

func (r *Reader) restore(s *snapshot) error {
	st := r.st
	st.dec = s.dec.Clone()
	st.crc = s.crc
	st.out = s.out
	st.streamEnd = false
	return attach(r.base, st)
}

// nearest returns the snapshot with the greatest output offset not past target.
func (r *Reader) nearest(target int64) *snapshot {
	var best *snapshot
	for _, s := range r.st.snapshots {
		if s != nil && s.out <= target && (best == nil || s.out > best.out) {
			best = s
		}
	}
	return best
}

// position moves the decoder to uncompressed offset target.
func (r *Reader) position(target int64) error {
	st := r.st
	if st.out == target {
		return nil
	}
	s := r.nearest(target)
	switch {
	case s != nil && s.out > st.out:
		telemetry.RecordGzipRestore(r.ctx, "snapshot")
		if err := r.restore(s); err != nil {
			return err
		}
	case target < st.out:
		if s != nil {
			telemetry.RecordGzipRestore(r.ctx, "snapshot")
		} else {
			telemetry.RecordGzipRestore(r.ctx, "rewind")
			s = st.initial
		}
		if err := r.restore(s); err != nil {
			return err
		}
	}
	scratch := make([]byte, min(decodeChunk, max(target-st.out, 1)))
	for st.out < target {
		want := min(int64(len(scratch)), target-st.out)
		n, err := r.decode(scratch[:want])
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// decode produces up to len(p) bytes at the decoder position, crossing
// member boundaries. It returns 0 at end of stream.
func (r *Reader) decode(p []byte) (int, error) {
	st := r.st
	n := 0
	for n < len(p) && !st.streamEnd {
		r.maybeSnapshot()
		k, err := st.dec.Read(p[n:min(len(p), n+decodeChunk)])
		if k > 0 {
			st.crc = crc32.Update(st.crc, crc32.IEEETable, p[n:n+k])
			n += k
			st.out += int64(k)
		}
		if errors.Is(err, io.EOF) {
			if err := r.endOfMember(); err != nil {
				return r.fail(n, err)
			}
			continue
		}
		if err != nil {
			return r.fail(n, err)
		}
	}
	return n, nil
}

// endOfMember validates the finished member and moves on to the next one.
func (r *Reader) endOfMember() error {
	st := r.st
	if st.raw {
		if st.expectCRC && st.crc != st.expectedCRC {
			return fmt.Errorf("crc %08x, expected %08x", st.crc, st.expectedCRC)
		}
		r.setEnd()
		return nil
	}
	raw := st.dec.RawReader()
	t, err := readTrailer(raw)
	if err != nil {
		return err
	}
	if t.crc != st.crc {
		return fmt.Errorf("crc %08x, trailer says %08x", st.crc, t.crc)
	}
	if t.size != uint32(st.dec.OutputOffset()) {
		return fmt.Errorf("member size %d, trailer says %d", st.dec.OutputOffset(), t.size)
	}
	switch err := readHeader(raw); {
	case err == nil:
		st.dec.Restart()
		st.crc = 0
	case errors.Is(err, io.EOF), errors.Is(err, errNotGzip):
		// Data after the last member that is not another member is ignored.
		r.setEnd()
	default:
		return err
	}
	return nil
}

func (r *Reader) setEnd() {
	st := r.st
	st.streamEnd = true
	if st.size < 0 {
		st.size = st.out
		if r.onSize != nil {
			r.onSize(st)
		}
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	st := r.st
	if st.err != nil {
		return 0, st.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if st.size >= 0 {
		if r.pos >= st.size {
			r.eof = true
			return 0, io.EOF
		}
		p = p[:min(int64(len(p)), st.size-r.pos)]
	}

	if st.transparent {
		if _, err := r.base.Seek(r.pos, io.SeekStart); err != nil {
			return 0, err
		}
		n, err := io.ReadFull(r.base, p)
		r.pos += int64(n)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			r.eof = true
			if n > 0 {
				err = nil
			} else {
				err = io.EOF
			}
		}
		return n, err
	}

	if err := r.position(r.pos); err != nil {
		return 0, err
	}
	if st.out < r.pos {
		r.eof = true
		return 0, io.EOF
	}
	n, err := r.decode(p)
	r.pos += int64(n)
	if err != nil {
		return n, err
	}
	if st.streamEnd && st.out < st.size {
		return r.fail(n, fmt.Errorf("stream ends at %d before declared size %d", st.out, st.size))
	}
	if st.size >= 0 && st.out == st.size && !st.streamEnd {
		if err := r.finish(); err != nil {
			return n, err
		}
	}
	if n < len(p) {
		r.eof = true
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// finish drives the decoder past the declared end so the trailer or expected
// CRC is validated.
func (r *Reader) finish() error {
	var one [1]byte
	n, err := r.decode(one[:])
	if err != nil {
		return err
	}
	if n > 0 {
		return r.failErr(fmt.Errorf("stream longer than declared size %d", r.st.size))
	}
	return nil
}

func (r *Reader) failErr(err error) error {
	_, err = r.fail(0, err)
	return err
}

// Seek positions the cursor. Seeking relative to the end decodes the stream
// to its end once when the size is unknown.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = r.Size(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(r.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	r.pos, r.eof = pos, false
	return pos, nil
}

// Size returns the uncompressed size, decoding to the end if necessary.
func (r *Reader) Size() (int64, error) {
	st := r.st
	if st.size >= 0 {
		return st.size, nil
	}
	if st.err != nil {
		return 0, st.err
	}
	scratch := make([]byte, decodeChunk)
	for !st.streamEnd {
		if _, err := r.decode(scratch); err != nil {
			return 0, err
		}
	}
	return st.size, nil
}

// Clone duplicates the reader, including its snapshots and decoder state,
// over a freshly opened base handle.
func (r *Reader) Clone(ctx context.Context) (vfscache.Handle, error) {
	if r.reopen == nil {
		return nil, fmt.Errorf("cloning %s: %w", r.st.name, vfscache.ErrNotSupported)
	}
	base, err := r.reopen(ctx)
	if err != nil {
		return nil, err
	}
	st := r.st.clone()
	if err := attach(base, st); err != nil {
		_ = base.Close()
		return nil, err
	}
	c := newReader(ctx, base, st, r.logger, r.reopen)
	c.onSize, c.onClose = r.onSize, r.onClose
	c.pos = r.pos
	return c, nil
}

func (r *Reader) Tell() int64 { return r.pos }

func (r *Reader) EOF() bool { return r.eof }

func (r *Reader) Close() error {
	if r.onClose != nil && r.st.err == nil {
		r.onClose(r.st)
	}
	return r.base.Close()
}

// section reads a handle from pos up to end, reseeking when another user of
// the handle moved its cursor.
type section struct {
	h   vfscache.Handle
	pos int64
	end int64
}

func (s *section) Read(p []byte) (int, error) {
	if s.pos >= s.end {
		return 0, io.EOF
	}
	if s.h.Tell() != s.pos {
		if _, err := s.h.Seek(s.pos, io.SeekStart); err != nil {
			return 0, err
		}
	}
	if int64(len(p)) > s.end-s.pos {
		p = p[:s.end-s.pos]
	}
	n, err := s.h.Read(p)
	s.pos += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

var (
	_ vfscache.Handle = (*Reader)(nil)
	_ vfscache.Sizer  = (*Reader)(nil)
	_ vfscache.Cloner = (*Reader)(nil)
)
