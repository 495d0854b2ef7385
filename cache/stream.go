package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

const (
	// DefaultHeadSize is how much of the beginning of a stream is retained
	// so that rewinds near the start do not restart the download.
	DefaultHeadSize = 1024 * 1024

	streamChunk = 32 * 1024
)

// Source produces the content of a stream from its first byte.
type Source interface {
	Stream(ctx context.Context) (io.ReadCloser, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

func (f SourceFunc) Stream(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// SizedSource is implemented by sources that can report their size without
// being read to the end.
type SizedSource interface {
	Source
	Size(ctx context.Context) (int64, error)
}

// Stream presents a forward-only source as a seekable read-only Handle. A
// producer goroutine copies the source into a bounded ring and blocks while
// the ring is full; Read blocks while it is empty.
//
// Forward seeks are served by discarding bytes. A seek below the data still
// in the ring stops the producer and starts the source again from the
// beginning, unless the target lies within the retained head of the stream.
type Stream struct {
	vfscache.ReadOnly

	src      Source
	ctx      context.Context
	logger   *slog.Logger
	ringSize int
	headSize int

	mu          sync.Mutex
	produced    *sync.Cond
	consumed    *sync.Cond
	ring        *Ring
	downloading bool
	stopping    bool
	prodErr     error
	size        int64

	// Owned by the consumer.
	cancel   context.CancelFunc
	done     chan struct{}
	head     []byte
	pos      int64
	eof      bool
	closed   bool
	restarts int
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithRingSize sets the ring capacity.
func WithRingSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.ringSize = n
		}
	}
}

// WithHeadSize sets how many leading bytes are retained.
func WithHeadSize(n int) StreamOption {
	return func(s *Stream) {
		if n >= 0 {
			s.headSize = n
		}
	}
}

// WithStreamSize records a size already known to the caller.
func WithStreamSize(n int64) StreamOption {
	return func(s *Stream) {
		s.size = n
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *Stream) {
		s.logger = logger
	}
}

// NewStream creates a streaming handle over src. Nothing is fetched until the
// first Read.
func NewStream(ctx context.Context, src Source, opts ...StreamOption) *Stream {
	s := &Stream{
		src:      src,
		ctx:      context.WithoutCancel(ctx),
		logger:   slog.Default(),
		ringSize: DefaultRingSize,
		headSize: DefaultHeadSize,
		size:     -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.produced = sync.NewCond(&s.mu)
	s.consumed = sync.NewCond(&s.mu)
	s.ring = NewRing(s.ringSize)
	return s
}

// Restarts returns how many times the source was started again after a
// backward seek.
func (s *Stream) Restarts() int { return s.restarts }

func (s *Stream) startDownload() {
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.ring.Reset(0)
	s.downloading = true
	s.stopping = false
	s.prodErr = nil
	s.mu.Unlock()

	s.cancel, s.done = cancel, done
	go s.produce(ctx, done)
}

func (s *Stream) produce(ctx context.Context, done chan struct{}) {
	defer close(done)

	rc, err := s.src.Stream(ctx)
	if err != nil {
		s.finish(0, fmt.Errorf("starting stream: %w", err))
		return
	}
	defer func() { _ = rc.Close() }()

	buf := make([]byte, streamChunk)
	var total int64
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			s.mu.Lock()
			for written := 0; written < n; {
				if s.stopping {
					s.downloading = false
					s.produced.Broadcast()
					s.mu.Unlock()
					return
				}
				written += s.ring.Write(buf[written:n])
				s.produced.Broadcast()
				if written < n {
					s.consumed.Wait()
				}
			}
			s.mu.Unlock()
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = nil
			}
			s.finish(total, rerr)
			return
		}
	}
}

func (s *Stream) finish(total int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloading = false
	if !s.stopping {
		if err != nil {
			s.prodErr = err
		} else {
			s.size = total
		}
	}
	s.produced.Broadcast()
}

// stopDownload asks the producer to exit at its next wait point, waits for it
// and keeps any ring data that extends the retained head.
func (s *Stream) stopDownload() {
	if s.done == nil {
		return
	}
	s.mu.Lock()
	s.stopping = true
	s.consumed.Broadcast()
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	if off := s.ring.Offset(); off == int64(len(s.head)) && len(s.head) < s.headSize {
		tail := make([]byte, min(s.ring.Len(), s.headSize-len(s.head)))
		n := s.ring.Read(tail)
		s.head = append(s.head, tail[:n]...)
	}
	s.ring.Reset(0)
	s.downloading = false
	s.stopping = false
	s.mu.Unlock()

	s.cancel, s.done = nil, nil
}

func (s *Stream) ringOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Offset()
}

// pop waits for data and moves up to len(p) bytes out of the ring. It returns
// 0 and the producer error (nil at end of stream) once the producer is done
// and the ring is drained.
func (s *Stream) pop(p []byte) (int, error) {
	s.mu.Lock()
	for s.ring.Len() == 0 && s.downloading {
		s.produced.Wait()
	}
	off := s.ring.Offset()
	n := s.ring.Read(p)
	s.consumed.Signal()
	err := s.prodErr
	s.mu.Unlock()

	if n == 0 {
		return 0, err
	}
	if off == int64(len(s.head)) && len(s.head) < s.headSize {
		s.head = append(s.head, p[:min(n, s.headSize-len(s.head))]...)
	}
	return n, nil
}

// skipTo discards stream bytes until the ring is positioned at target.
func (s *Stream) skipTo(target int64) error {
	var scratch []byte
	for {
		off := s.ringOffset()
		if off >= target {
			return nil
		}
		if scratch == nil {
			scratch = make([]byte, streamChunk)
		}
		want := min(int64(len(scratch)), target-off)
		n, err := s.pop(scratch[:want])
		if n == 0 {
			if err != nil {
				return err
			}
			return io.EOF
		}
	}
}

func (s *Stream) knownSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, vfscache.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if size := s.knownSize(); size >= 0 && s.pos >= size {
		s.eof = true
		return 0, io.EOF
	}

	n := 0
	if s.pos < int64(len(s.head)) {
		n = copy(p, s.head[s.pos:])
		s.pos += int64(n)
		if n == len(p) {
			return n, nil
		}
	}

	if s.done != nil && s.pos < s.ringOffset() {
		s.logger.Debug("restarting stream after backward seek",
			"offset", s.pos, "request_id", telemetry.RequestIDFromContext(s.ctx))
		s.stopDownload()
		s.restarts++
		telemetry.RecordStreamRestart(s.ctx)
	}
	s.startDownload()

	if err := s.skipTo(s.pos); err != nil {
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		s.eof = true
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}

	for n < len(p) {
		k, err := s.pop(p[n:])
		n += k
		s.pos += int64(k)
		if k == 0 {
			if err != nil && n == 0 {
				return 0, err
			}
			s.eof = true
			break
		}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, vfscache.ErrClosed
	}
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = s.Size(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(s.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	s.pos, s.eof = pos, false
	return pos, nil
}

// Size returns the stream length, asking the source when it can tell and
// otherwise reading the stream to its end once.
func (s *Stream) Size() (int64, error) {
	if size := s.knownSize(); size >= 0 {
		return size, nil
	}
	if ss, ok := s.src.(SizedSource); ok {
		n, err := ss.Size(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.size = n
			s.mu.Unlock()
			return n, nil
		}
		s.logger.Debug("source size unavailable, draining stream", "error", err)
	}

	s.startDownload()
	scratch := make([]byte, streamChunk)
	for {
		n, err := s.pop(scratch)
		if n > 0 {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	if size := s.knownSize(); size >= 0 {
		return size, nil
	}
	return 0, fmt.Errorf("stream size unknown: %w", vfscache.ErrNotSupported)
}

func (s *Stream) Tell() int64 { return s.pos }

func (s *Stream) EOF() bool { return s.eof }

// Close stops the producer.
func (s *Stream) Close() error {
	if s.closed {
		return fmt.Errorf("stream already closed: %w", vfscache.ErrClosed)
	}
	s.closed = true
	s.stopDownload()
	return nil
}

var (
	_ vfscache.Handle = (*Stream)(nil)
	_ vfscache.Sizer  = (*Stream)(nil)
)
