package vfscache

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeekPosition(t *testing.T) {
	pos, err := SeekPosition(5, 100, 10, io.SeekCurrent)
	require.NoError(t, err)
	require.EqualValues(t, 15, pos)

	pos, err = SeekPosition(5, 100, -10, io.SeekEnd)
	require.NoError(t, err)
	require.EqualValues(t, 90, pos)

	// Seeking past the end is allowed.
	pos, err = SeekPosition(0, 100, 200, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 200, pos)

	_, err = SeekPosition(0, 100, -1, io.SeekStart)
	require.ErrorIs(t, err, ErrBadParameter)
	_, err = SeekPosition(0, 100, 0, 7)
	require.ErrorIs(t, err, ErrBadParameter)
}

func TestSizeRestoresCursor(t *testing.T) {
	fh := newFakeHandler(map[string]string{"/a": "0123456789"})
	h, err := fh.Open(t.Context(), "/a", "rb")
	require.NoError(t, err)
	_, err = h.Seek(4, io.SeekStart)
	require.NoError(t, err)

	n, err := Size(h)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
	require.EqualValues(t, 4, h.Tell())
}

func TestReaderAt(t *testing.T) {
	fh := newFakeHandler(map[string]string{"/a": "0123456789"})
	h, err := fh.Open(t.Context(), "/a", "rb")
	require.NoError(t, err)
	ra := NewReaderAt(h)

	buf := make([]byte, 3)
	n, err := ra.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "678", string(buf))

	buf = make([]byte, 5)
	n, err = ra.ReadAt(buf, 8)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
	require.Equal(t, "89", string(buf[:n]))
}

func TestReadOnlyDefaults(t *testing.T) {
	var ro ReadOnly
	_, err := ro.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNotSupported)
	require.ErrorIs(t, ro.Truncate(0), ErrNotSupported)
	require.NoError(t, ro.Flush())
}

func TestAmbiguousMemberError(t *testing.T) {
	err := error(&AmbiguousMemberError{Archive: "/vsizip/a.zip", Members: []string{"a", "b"}})
	require.ErrorIs(t, err, ErrBadParameter)
	require.Contains(t, err.Error(), "a, b")
}
