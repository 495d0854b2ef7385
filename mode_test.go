package vfscache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		mode string
		want Mode
	}{
		{"r", Mode{Read: true, raw: "r"}},
		{"rb", Mode{Read: true, raw: "rb"}},
		{"r+b", Mode{Read: true, Write: true, raw: "r+b"}},
		{"w", Mode{Write: true, Create: true, Truncate: true, raw: "w"}},
		{"wb+", Mode{Read: true, Write: true, Create: true, Truncate: true, raw: "wb+"}},
		{"a", Mode{Write: true, Create: true, Append: true, raw: "a"}},
		{"wbz", Mode{Write: true, Create: true, Truncate: true, Extra: "z", raw: "wbz"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ParseMode(tt.mode)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.mode, got.String())
		})
	}
}

func TestParseMode_Invalid(t *testing.T) {
	for _, s := range []string{"", "x", "+r"} {
		_, err := ParseMode(s)
		require.ErrorIs(t, err, ErrBadParameter, s)
	}
	require.Panics(t, func() { MustParseMode("q") })
}

func TestMode_Predicates(t *testing.T) {
	require.True(t, MustParseMode("rb").ReadOnly())
	require.False(t, MustParseMode("r+").ReadOnly())
	require.True(t, MustParseMode("r+").Update())
	require.False(t, MustParseMode("w+").Update())
	require.True(t, MustParseMode("wbz").Has('z'))
	require.False(t, MustParseMode("wb").Has('z'))
}

func TestMode_OSFlags(t *testing.T) {
	require.Equal(t, os.O_RDONLY, MustParseMode("rb").OSFlags())
	require.Equal(t, os.O_RDWR, MustParseMode("r+b").OSFlags())
	require.Equal(t, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, MustParseMode("wb").OSFlags())
	require.Equal(t, os.O_WRONLY|os.O_CREATE|os.O_APPEND, MustParseMode("a").OSFlags())
}

func TestIsReadShareable(t *testing.T) {
	for _, m := range []string{"r", "rb", "r+", "rb+", "r+b"} {
		require.True(t, IsReadShareable(m), m)
	}
	for _, m := range []string{"w", "wb", "a", "w+", "rbz"} {
		require.False(t, IsReadShareable(m), m)
	}
}
