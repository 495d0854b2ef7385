package cache

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffered_BackwardRereadInsideWindow(t *testing.T) {
	data := pattern(200 * 1024)
	base := newCountingHandle(data)
	b := NewBuffered(context.Background(), base)

	buf := make([]byte, 100)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)

	reads, seeks := base.reads, base.seeks

	_, err = b.Seek(50, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[50:150], buf)

	require.Equal(t, reads, base.reads, "re-read inside the window must not hit the base")
	require.Equal(t, seeks, base.seeks)
	require.Equal(t, int64(150), b.Tell())
}

func TestBuffered_PartialWindowReadsOnlyRemainder(t *testing.T) {
	data := pattern(1024)
	base := newCountingHandle(data)
	b := NewBuffered(context.Background(), base)

	buf := make([]byte, 200)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)

	_, err = b.Seek(150, io.SeekStart)
	require.NoError(t, err)
	buf = make([]byte, 100)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[150:250], buf)

	// The base was already positioned at 200 so the tail needs no seek.
	require.Equal(t, 0, base.seeks)
	require.Equal(t, int64(250), base.Tell())
}

func TestBuffered_ReadEndingInsideWindowFetchesOnlyHead(t *testing.T) {
	data := pattern(1024)
	base := newCountingHandle(data)
	b := NewBuffered(context.Background(), base, WithWindowSize(64))

	_, err := b.Seek(100, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 64)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	reads := base.reads

	_, err = b.Seek(80, io.SeekStart)
	require.NoError(t, err)
	buf = make([]byte, 50)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[80:130], buf)

	// Only [80,100) came from the base.
	require.Equal(t, reads+1, base.reads)
	require.Equal(t, int64(100), base.Tell())
	require.Equal(t, int64(130), b.Tell())

	// The window now covers the read, so repeating it is free.
	_, err = b.Seek(80, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[80:130], buf)
	require.Equal(t, reads+1, base.reads)
}

func TestBuffered_ReadSpanningWindow(t *testing.T) {
	data := pattern(1024)
	base := newCountingHandle(data)
	b := NewBuffered(context.Background(), base, WithWindowSize(64))

	_, err := b.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(b, make([]byte, 64))
	require.NoError(t, err)

	_, err = b.Seek(90, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[90:190], buf)
	require.Equal(t, int64(190), b.Tell())
	require.Equal(t, int64(190), base.Tell())
}

func TestBuffered_SeekOutsideWindowSeeksBase(t *testing.T) {
	data := pattern(256)
	base := newCountingHandle(data)
	b := NewBuffered(context.Background(), base, WithWindowSize(16))

	buf := make([]byte, 64)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)

	_, err = b.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf = make([]byte, 8)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[:8], buf)
	require.Equal(t, 1, base.seeks)

	// The window now starts at 0 and the base continues from 8.
	seeks := base.seeks
	_, err = b.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, data[2:10], buf)
	require.Equal(t, seeks, base.seeks)
}

func TestBuffered_EOF(t *testing.T) {
	base := newCountingHandle([]byte("hello"))
	b := NewBuffered(context.Background(), base)

	buf := make([]byte, 10)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.True(t, b.EOF())

	n, err = b.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)

	size, err := b.Size()
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
}

func TestBuffered_WriteInvalidatesWindow(t *testing.T) {
	base := newCountingHandle([]byte("hello world"))
	b := NewBuffered(context.Background(), base)

	buf := make([]byte, 5)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)

	_, err = b.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = b.Write([]byte("HE"))
	require.NoError(t, err)

	_, err = b.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	require.Equal(t, "HEllo", string(buf))

	require.NoError(t, b.Close())
	require.True(t, base.closed)
}
