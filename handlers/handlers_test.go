package handlers

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
	"github.com/wolfeidau/vfs-cache/config"
	"github.com/wolfeidau/vfs-cache/netfs"
)

func noEnv(string) (string, bool) { return "", false }

func newTestSet(t *testing.T, cfg Config) *Set {
	t.Helper()
	if cfg.Options == nil {
		cfg.Options = config.New(config.WithLookup(noEnv))
	}
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return gz.Bytes()
}

func TestNew_RegistersEveryPrefix(t *testing.T) {
	s := newTestSet(t, Config{})
	require.Equal(t, []string{
		"/vsimem", "/vsisubfile", "/vsisparse", "/vsistdin",
		"/vsigzip", "/vsizip", "/vsitar", "/vsizstd", "/vsilz4", "/vsicrypt",
		"/vsicurl_streaming", "/vsicurl",
	}, trimSlashes(s.Prefixes()))
}

func trimSlashes(prefixes []string) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = strings.TrimSuffix(p, "/")
	}
	return out
}

func TestSet_MemoryAndStdin(t *testing.T) {
	ctx := context.Background()
	s := newTestSet(t, Config{Stdin: strings.NewReader("from stdin")})

	require.NoError(t, s.WriteFile(ctx, "/vsimem/a.txt", []byte("hello")))
	data, err := s.Memory.Bytes("/vsimem/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	got, err := s.ReadFile(ctx, "/vsistdin/")
	require.NoError(t, err)
	require.Equal(t, "from stdin", string(got))
}

func TestSet_CompressedTarEnsuresGzip(t *testing.T) {
	ctx := context.Background()
	s := newTestSet(t, Config{})
	s.Memory.SetBytes("/vsimem/x.tar.gz", tarGz(t, map[string]string{"dir/file.txt": "inside"}))

	got, err := s.ReadFile(ctx, "/vsitar//vsimem/x.tar.gz/dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, "inside", string(got))

	h, prefix, err := s.Resolve("/vsigzip//vsimem/x.tar.gz")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, "/vsigzip/", prefix)
}

func TestSet_GzipRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSet(t, Config{})

	require.NoError(t, s.WriteFile(ctx, "/vsigzip//vsimem/out.gz", []byte("compressed payload")))
	got, err := s.ReadFile(ctx, "/vsigzip//vsimem/out.gz")
	require.NoError(t, err)
	require.Equal(t, "compressed payload", string(got))
}

func TestSet_Instrument(t *testing.T) {
	s := newTestSet(t, Config{Instrument: true})
	h, _, err := s.Resolve("/vsimem/x")
	require.NoError(t, err)
	require.IsType(t, &backend.Instrumented{}, h)
}

func TestSet_CurlWithPersistentPropertyCache(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader("remote bytes"))
	}))
	defer srv.Close()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "props.db")
	s := newTestSet(t, Config{PropertyCachePath: dbPath})

	// The streaming prefix shares the handler and its property cache.
	info, err := s.Stat(ctx, netfs.StreamingPrefix+srv.URL+"/f.bin")
	require.NoError(t, err)
	require.EqualValues(t, 12, info.Size)

	got, err := s.ReadFile(ctx, netfs.Prefix+srv.URL+"/f.bin")
	require.NoError(t, err)
	require.Equal(t, "remote bytes", string(got))
	require.EqualValues(t, 1, heads.Load())

	curl, err := s.Curl()
	require.NoError(t, err)
	require.NoError(t, curl.Invalidate(ctx, netfs.Prefix+srv.URL+"/f.bin"))

	require.NoError(t, s.Close())
	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestSet_CurlPropertyCacheOpenFails(t *testing.T) {
	s := newTestSet(t, Config{PropertyCachePath: filepath.Join(t.TempDir(), "missing", "props.db")})
	_, err := s.Stat(context.Background(), "/vsicurl/http://127.0.0.1:1/x")
	require.Error(t, err)
	require.NotErrorIs(t, err, vfscache.ErrNotFound)
}

func TestSet_CurlWithDiskCache(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("ETag", `"abc"`)
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader("remote bytes"))
	}))
	defer srv.Close()

	ctx := context.Background()
	dir := t.TempDir()
	p := netfs.Prefix + srv.URL + "/f.bin"

	for range 2 {
		opts := config.New(config.WithLookup(noEnv))
		opts.Set(config.CurlDiskCache, dir)
		opts.Set(config.CurlDiskCacheSize, "1MB")
		s := New(Config{Options: opts})
		got, err := s.ReadFile(ctx, p)
		require.NoError(t, err)
		require.Equal(t, "remote bytes", string(got))
		require.NoError(t, s.Close())
	}
	require.EqualValues(t, 1, gets.Load())
	require.FileExists(t, filepath.Join(dir, "index.db"))
}

func TestSet_CurlWithCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader("private bytes"))
	}))
	defer srv.Close()

	t.Setenv("VFS_TEST_TOKEN", "s3cret")
	credsPath := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	tmpl := `{"routes": [{"match": {"url_prefix": "` + srv.URL + `/private/"}, "token": {{ env "VFS_TEST_TOKEN" | json }}}]}`
	require.NoError(t, os.WriteFile(credsPath, []byte(tmpl), 0o600))

	ctx := context.Background()
	s := newTestSet(t, Config{CredentialsPath: credsPath})
	got, err := s.ReadFile(ctx, netfs.Prefix+srv.URL+"/private/f.bin")
	require.NoError(t, err)
	require.Equal(t, "private bytes", string(got))

	_, err = s.ReadFile(ctx, netfs.Prefix+srv.URL+"/public/f.bin")
	require.Error(t, err)
}

func TestSet_CurlCredentialsInvalid(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credsPath, []byte(`{"routes": [{"match": {}}]}`), 0o600))

	s := newTestSet(t, Config{CredentialsPath: credsPath})
	_, err := s.Curl()
	require.ErrorContains(t, err, "loading credentials")
}

func TestDefaultAndCleanup(t *testing.T) {
	a := Default()
	require.Same(t, a, Default())
	require.NoError(t, Cleanup())

	b := Default()
	require.NotSame(t, a, b)
	require.NoError(t, Cleanup())
}

var _ io.Closer = (*Set)(nil)
