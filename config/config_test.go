package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) Option {
	return WithLookup(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func TestOptions_Priority(t *testing.T) {
	o := New(envMap(map[string]string{CryptAlg: "Blowfish"}))
	require.NoError(t, o.Load([]byte(`{
		// comments are allowed
		"VSICRYPT_ALG": "Twofish",
		"VSICRYPT_MODE": "CTR",
	}`)))

	require.Equal(t, "Blowfish", o.Get(CryptAlg, "AES"))
	require.Equal(t, "CTR", o.Get(CryptMode, "CBC"))
	require.Equal(t, "512", o.Get(CryptSectorSize, "512"))

	o.Set(CryptAlg, "XTEA")
	require.Equal(t, "XTEA", o.Get(CryptAlg, "AES"))
	o.Unset(CryptAlg)
	require.Equal(t, "Blowfish", o.Get(CryptAlg, "AES"))
}

func TestOptions_NonStringFileValues(t *testing.T) {
	o := New(envMap(nil))
	require.NoError(t, o.Load([]byte(`{"VSICRYPT_SECTOR_SIZE": 1024, "VSICRYPT_ADD_KEY_CHECK": true,}`)))

	require.EqualValues(t, 1024, o.Int64(CryptSectorSize, 512))
	require.True(t, o.Bool(CryptAddKeyCheck, false))
}

func TestOptions_Bool(t *testing.T) {
	o := New(envMap(map[string]string{"A": "yes", "B": "Off", "C": "maybe"}))
	require.True(t, o.Bool("A", false))
	require.False(t, o.Bool("B", true))
	require.True(t, o.Bool("C", true))
	require.False(t, o.Bool("D", false))
}

func TestOptions_Size(t *testing.T) {
	o := New(envMap(map[string]string{CacheSize: "25MB", PagingCacheSize: "bogus"}))
	require.EqualValues(t, 25<<20, o.Size(CacheSize, 0))
	require.EqualValues(t, 1<<20, o.Size(PagingCacheSize, 1<<20))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64KB", 64 << 10},
		{"64 kb", 64 << 10},
		{"2GB", 2 << 30},
		{"10B", 10},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ParseSize("-1")
	require.Error(t, err)
	_, err = ParseSize("lots")
	require.Error(t, err)
}

func TestOptions_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vfscache.jsonc")
	require.NoError(t, os.WriteFile(path, []byte("{\"VSICURL_TTL\": \"30s\"}\n"), 0o644))

	o := New(envMap(nil))
	require.NoError(t, o.LoadFile(path))
	require.Equal(t, "30s", o.Get(CurlTTL, ""))

	require.Error(t, o.LoadFile(filepath.Join(t.TempDir(), "missing.jsonc")))
	require.Error(t, o.Load([]byte("{not json")))
}
