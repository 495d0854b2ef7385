package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_WrapsAround(t *testing.T) {
	ring := NewRing(8)

	require.Equal(t, 6, ring.Write([]byte("abcdef")))
	out := make([]byte, 4)
	require.Equal(t, 4, ring.Read(out))
	require.Equal(t, "abcd", string(out))
	require.Equal(t, int64(4), ring.Offset())

	require.Equal(t, 6, ring.Write([]byte("ghijkl")))
	require.Equal(t, 0, ring.Free())

	out = make([]byte, 16)
	n := ring.Read(out)
	require.Equal(t, "efghijkl", string(out[:n]))
	require.Equal(t, int64(12), ring.Offset())
	require.Equal(t, 0, ring.Len())
}

func TestRing_WriteStopsWhenFull(t *testing.T) {
	ring := NewRing(4)
	require.Equal(t, 4, ring.Write([]byte("abcdef")))
	require.Equal(t, 0, ring.Write([]byte("x")))
	require.Equal(t, 4, ring.Len())
	require.Equal(t, 4, ring.Cap())
}

func TestRing_Reset(t *testing.T) {
	ring := NewRing(4)
	ring.Write([]byte("ab"))
	ring.Reset(100)
	require.Equal(t, 0, ring.Len())
	require.Equal(t, int64(100), ring.Offset())

	ring.Write([]byte("xy"))
	out := make([]byte, 2)
	ring.Read(out)
	require.Equal(t, "xy", string(out))
	require.Equal(t, int64(102), ring.Offset())
}
