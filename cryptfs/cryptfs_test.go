package cryptfs

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
	"github.com/wolfeidau/vfs-cache/config"
)

const testKey = "0123456789abcdef0123456789abcdef"

func noEnv(string) (string, bool) { return "", false }

type fixture struct {
	reg   *vfscache.Registry
	mem   *backend.Memory
	opts  *config.Options
	crypt *Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		reg:  vfscache.NewRegistry(),
		mem:  backend.NewMemory(),
		opts: config.New(config.WithLookup(noEnv)),
	}
	f.crypt = New(f.reg, append([]Option{WithOptions(f.opts)}, opts...)...)
	f.reg.Register(backend.MemoryPrefix, f.mem)
	f.reg.Register(Prefix, f.crypt)
	t.Cleanup(func() { _ = f.reg.Close() })
	return f
}

func payload(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 7))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.UintN(256))
	}
	return out
}

func (f *fixture) write(t *testing.T, path string, data []byte) {
	t.Helper()
	h, err := f.reg.Open(context.Background(), path, "wb")
	require.NoError(t, err)
	_, err = h.Write(data)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path   string
		params map[string]string
		file   string
	}{
		{"/vsicrypt//vsimem/a.bin", map[string]string{}, "/vsimem/a.bin"},
		{"/vsicrypt/key=k,alg=Twofish,file=/vsimem/a.bin", map[string]string{"key": "k", "alg": "Twofish"}, "/vsimem/a.bin"},
		{"/vsicrypt/file=/vsimem/profile=x", map[string]string{}, "/vsimem/profile=x"},
		{"/vsicrypt//vsimem/profile=x", map[string]string{}, "/vsimem/profile=x"},
		{"/vsicrypt/KEY=k,,file=/vsimem/b", map[string]string{"key": "k"}, "/vsimem/b"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			params, file, err := parsePath(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.file, file)
			require.Empty(t, cmp.Diff(tt.params, params))
		})
	}

	_, _, err := parsePath("/vsicrypt/")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	_, _, err = parsePath("/vsicrypt/key,file=/vsimem/a")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	require.Equal(t, "/vsicrypt/key=k,file=/vsimem/a", Path("/vsimem/a", "key", "k"))
	require.Equal(t, "/vsicrypt//vsimem/a", Path("/vsimem/a"))
}

func TestHeader_RoundTrip(t *testing.T) {
	in := &Header{
		SectorSize:  1024,
		Algorithm:   Twofish,
		Mode:        CTR,
		IV:          bytes.Repeat([]byte{0x5a}, 16),
		FreeText:    "quarterly figures",
		KeyCheck:    []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		PayloadSize: 123456789,
		Extra:       []byte("extra"),
	}
	data, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, len(data), in.Size)
	require.Equal(t, "VSICRYPT", string(data[:8]))

	out, err := ReadHeader(backend.NewBytesHandle(append(data, 0xff, 0xff)))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, out))
}

func TestHeader_Corrupt(t *testing.T) {
	good, err := (&Header{SectorSize: 512, IV: make([]byte, 16)}).MarshalBinary()
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":     nil,
		"signature": append([]byte("NOTCRYPT"), good[8:]...),
		"truncated": good[:len(good)-3],
		"algorithm": func() []byte { b := bytes.Clone(good); b[14] = 200; return b }(),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadHeader(backend.NewBytesHandle(data))
			require.ErrorIs(t, err, vfscache.ErrIntegrity)
		})
	}

	bad := bytes.Clone(good)
	bad[10] = 2
	_, err = ReadHeader(backend.NewBytesHandle(bad))
	require.ErrorIs(t, err, vfscache.ErrNotSupported)
}

func TestHandle_RoundTripLengths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, n := range []int{0, 100, 512, 2048, 2048 + 300} {
		path := Path("/vsimem/rt.bin", "key", testKey, "sector_size", "512")
		want := payload(n)
		f.write(t, path, want)

		raw, err := f.mem.Bytes("/vsimem/rt.bin")
		require.NoError(t, err)
		if n > 0 {
			require.NotContains(t, string(raw), string(want[:min(n, 64)]))
		}

		got, err := f.reg.ReadFile(ctx, path)
		require.NoError(t, err)
		require.Equal(t, want, got, "length %d", n)

		fi, err := f.reg.Stat(ctx, path)
		require.NoError(t, err)
		require.EqualValues(t, n, fi.Size)
	}
}

func TestHandle_ScenarioA(t *testing.T) {
	f := newFixture(t)
	path := Path("/vsimem/a.bin", "key", testKey, "sector_size", "512")
	f.write(t, path, bytes.Repeat([]byte{0xAB}, 1000))

	h, err := f.reg.Open(context.Background(), path, "rb")
	require.NoError(t, err)
	defer h.Close()

	size, err := vfscache.Size(h)
	require.NoError(t, err)
	require.EqualValues(t, 1000, size)

	_, err = h.Seek(600, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 100), buf)
}

func TestHandle_SectorIndependence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := Path("/vsimem/ind.bin", "key", testKey, "sector_size", "256")
	want := payload(256 * 40)
	f.write(t, path, want)

	// Corrupting sector 0 must not affect sector 30.
	raw, err := f.mem.Bytes("/vsimem/ind.bin")
	require.NoError(t, err)
	h, err := f.reg.Open(ctx, "/vsimem/ind.bin", "rb")
	require.NoError(t, err)
	hdr, err := ReadHeader(h)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	raw[hdr.Size] ^= 0xff
	f.mem.SetBytes("/vsimem/ind.bin", raw)

	ch, err := f.reg.Open(ctx, path, "rb")
	require.NoError(t, err)
	defer ch.Close()
	_, err = ch.Seek(30*256+17, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 300)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	require.Equal(t, want[30*256+17:30*256+317], buf)
}

func TestHandle_WrongKeyWithKeyCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, Path("/vsimem/c.bin", "key", testKey, "add_key_check", "YES"), []byte("top secret"))

	_, err := f.reg.Open(ctx, Path("/vsimem/c.bin", "key", "fedcba9876543210fedcba9876543210"), "rb")
	require.ErrorIs(t, err, vfscache.ErrIntegrity)
	_, err = f.reg.Stat(ctx, Path("/vsimem/c.bin", "key", "fedcba9876543210fedcba9876543210"))
	require.ErrorIs(t, err, vfscache.ErrIntegrity)

	got, err := f.reg.ReadFile(ctx, Path("/vsimem/c.bin", "key", testKey))
	require.NoError(t, err)
	require.Equal(t, "top secret", string(got))
}

func TestHandle_WrongKeyWithoutKeyCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, Path("/vsimem/c.bin", "key", testKey), []byte("top secret, longer than a block"))

	got, err := f.reg.ReadFile(ctx, Path("/vsimem/c.bin", "key", "fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	require.NotEqual(t, "top secret, longer than a block", string(got))
}

func TestHandle_AlgorithmsAndModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := payload(3*64 + 40)
	for _, alg := range []Algorithm{AES, Blowfish, DESEDE2, DESEDE3, Twofish, XTEA} {
		for _, mode := range []BlockMode{CBC, CFB, OFB, CTR, CBCCTS} {
			t.Run(alg.String()+"/"+mode.String(), func(t *testing.T) {
				path := Path("/vsimem/m.bin", "key", testKey, "alg", alg.String(), "mode", mode.String(),
					"sector_size", "64", "add_key_check", "yes")
				f.write(t, path, want)

				h, err := f.reg.Open(ctx, path, "rb")
				require.NoError(t, err)
				ch := h.(*Handle)
				require.Equal(t, alg, ch.Header().Algorithm)
				require.Equal(t, mode, ch.Header().Mode)
				_, err = h.Seek(100, io.SeekStart)
				require.NoError(t, err)
				got, err := io.ReadAll(h)
				require.NoError(t, err)
				require.Equal(t, want[100:], got)
				require.NoError(t, h.Close())
			})
		}
	}
}

func TestHandle_UnsupportedAlgorithm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.Open(ctx, Path("/vsimem/x.bin", "key", testKey, "alg", "Serpent"), "wb")
	require.ErrorIs(t, err, vfscache.ErrNotSupported)
	_, err = f.reg.Open(ctx, Path("/vsimem/x.bin", "key", testKey, "alg", "Rot13"), "wb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	_, err = f.reg.Open(ctx, Path("/vsimem/x.bin", "key", "short"), "wb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	_, err = f.reg.Open(ctx, Path("/vsimem/x.bin", "key", testKey, "sector_size", "24"), "wb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	_, err = f.reg.Open(ctx, Path("/vsimem/x.bin", "key", testKey, "mode", "CBC_CTS", "sector_size", "16"), "wb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
	_, err = f.reg.Open(ctx, "/vsicrypt//vsimem/x.bin", "wb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
}

func TestHandle_GapReadsAsZeros(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := Path("/vsimem/gap.bin", "key", testKey, "sector_size", "128")

	h, err := f.reg.Open(ctx, path, "w+b")
	require.NoError(t, err)
	_, err = h.Write([]byte("head"))
	require.NoError(t, err)
	_, err = h.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	_, err = h.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	got, err := f.reg.ReadFile(ctx, path)
	require.NoError(t, err)
	want := make([]byte, 1004)
	copy(want, "head")
	copy(want[1000:], "tail")
	require.Equal(t, want, got)
}

func TestHandle_UpdateInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := Path("/vsimem/upd.bin", "key", testKey, "sector_size", "64")
	want := payload(500)
	f.write(t, path, want)

	h, err := f.reg.Open(ctx, path, "r+b")
	require.NoError(t, err)
	_, err = h.Seek(60, io.SeekStart)
	require.NoError(t, err)
	_, err = h.Write([]byte("spans two sectors"))
	require.NoError(t, err)
	_, err = h.Seek(490, io.SeekStart)
	require.NoError(t, err)
	_, err = h.Write([]byte("grows the file"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	copy(want[60:], "spans two sectors")
	want = append(want[:490], "grows the file"...)
	got, err := f.reg.ReadFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHandle_Truncate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := Path("/vsimem/tr.bin", "key", testKey, "sector_size", "64")
	want := payload(300)
	f.write(t, path, want)

	h, err := f.reg.Open(ctx, path, "r+b")
	require.NoError(t, err)
	require.NoError(t, h.Truncate(100))
	require.NoError(t, h.Truncate(250))
	require.NoError(t, h.Close())

	got, err := f.reg.ReadFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Clone(want[:100]), make([]byte, 150)...), got)

	ro, err := f.reg.Open(ctx, path, "rb")
	require.NoError(t, err)
	defer ro.Close()
	require.ErrorIs(t, ro.Truncate(10), vfscache.ErrNotSupported)
	_, err = ro.Write([]byte("x"))
	require.ErrorIs(t, err, vfscache.ErrNotSupported)
}

func TestHandle_Append(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := Path("/vsimem/app.bin", "key", testKey, "sector_size", "32")

	for _, part := range []string{"first part, ", "second part"} {
		h, err := f.reg.Open(ctx, path, "ab")
		require.NoError(t, err)
		_, err = h.Write([]byte(part))
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}
	got, err := f.reg.ReadFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "first part, second part", string(got))
}

func TestHandler_KeyFromOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.opts.Set(config.CryptKeyB64, base64.StdEncoding.EncodeToString([]byte(testKey)))
	f.opts.Set(config.CryptAlg, "Blowfish")
	f.write(t, "/vsicrypt//vsimem/o.bin", []byte("configured"))

	h, err := f.reg.Open(ctx, "/vsicrypt//vsimem/o.bin", "rb")
	require.NoError(t, err)
	require.Equal(t, Blowfish, h.(*Handle).Header().Algorithm)
	require.NoError(t, h.Close())

	f.opts.Unset(config.CryptKeyB64)
	got, err := f.reg.ReadFile(ctx, Path("/vsimem/o.bin", "key", testKey))
	require.NoError(t, err)
	require.Equal(t, "configured", string(got))
}

func TestHandler_GenerateKey(t *testing.T) {
	var generated []byte
	f := newFixture(t, WithGeneratedKey(func(_ string, key []byte) { generated = key }))
	ctx := context.Background()
	f.write(t, Path("/vsimem/g.bin", "key", GenerateKey), []byte("fresh key"))
	require.Len(t, generated, 32)

	encoded, ok := f.opts.Lookup(config.CryptKeyB64)
	require.True(t, ok)
	require.Equal(t, base64.StdEncoding.EncodeToString(generated), encoded)

	got, err := f.reg.ReadFile(ctx, Path("/vsimem/g.bin", "key_b64", encoded))
	require.NoError(t, err)
	require.Equal(t, "fresh key", string(got))

	_, err = f.reg.Open(ctx, Path("/vsimem/g.bin", "key", GenerateKey), "rb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
}

func TestHandler_Forwarding(t *testing.T) {
	f := newFixture(t, WithKey([]byte(testKey)))
	ctx := context.Background()
	f.write(t, "/vsicrypt//vsimem/dir/a.bin", []byte("abc"))

	entries, err := f.reg.ReadDir(ctx, "/vsicrypt//vsimem/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.bin", entries[0].Name)

	require.NoError(t, f.reg.Rename(ctx, "/vsicrypt//vsimem/dir/a.bin", "/vsicrypt//vsimem/dir/b.bin"))
	got, err := f.reg.ReadFile(ctx, "/vsicrypt//vsimem/dir/b.bin")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	require.NoError(t, f.reg.Unlink(ctx, "/vsicrypt//vsimem/dir/b.bin"))
	_, err = f.reg.Stat(ctx, "/vsicrypt//vsimem/dir/b.bin")
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func TestSectorIV(t *testing.T) {
	iv := bytes.Repeat([]byte{0xff}, 16)
	got := sectorIV(iv, 0x0201)
	require.Equal(t, byte(0xfe), got[0])
	require.Equal(t, byte(0xfd), got[1])
	require.Equal(t, byte(0xff), got[2])
	require.Equal(t, bytes.Repeat([]byte{0xff}, 16), iv)

	all := sectorIV(make([]byte, 16), ^uint64(0))
	require.Equal(t, append(bytes.Repeat([]byte{0xff}, 8), make([]byte, 8)...), all)
}

func TestSuite_KeyLength(t *testing.T) {
	aes, err := lookup(AES)
	require.NoError(t, err)
	n, err := aes.keyLength(40)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	n, err = aes.keyLength(20)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	_, err = aes.keyLength(8)
	require.ErrorIs(t, err, vfscache.ErrBadParameter)

	bf, err := lookup(Blowfish)
	require.NoError(t, err)
	n, err = bf.keyLength(10)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	n, err = bf.keyLength(100)
	require.NoError(t, err)
	require.Equal(t, 56, n)
}
