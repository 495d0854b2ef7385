package netfs

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/config"
	"github.com/wolfeidau/vfs-cache/store/blockstore"
	"github.com/wolfeidau/vfs-cache/store/propcache"
)

func TestValidator(t *testing.T) {
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, `etag:"v1"`, validator(&propcache.Properties{ETag: `"v1"`, Size: 10, ModTime: mtime}))
	assert.Equal(t, "size:10:mtime:1714557600", validator(&propcache.Properties{Size: 10, ModTime: mtime}))
	assert.Empty(t, validator(&propcache.Properties{Size: 10}))
	assert.Empty(t, validator(&propcache.Properties{Size: -1, ModTime: mtime}))
}

func openDiskHandler(t *testing.T, dir string) *Handler {
	t.Helper()
	store, err := blockstore.Open(blockstore.Config{Dir: dir, NoSync: true, Logger: testLogger()})
	require.NoError(t, err)
	return New(
		WithOptions(config.New(config.WithLookup(noEnv))),
		WithBlockStore(store),
		WithLogger(testLogger()),
	)
}

func readRange(t *testing.T, h *Handler, p string, off int64, n int) []byte {
	t.Helper()
	f, err := h.Open(context.Background(), p, "rb")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, n)
	require.NoError(t, vfscache.ReadAtFull(f, buf, off))
	return buf
}

func TestHandler_DiskCacheSurvivesReopen(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	p := Prefix + srv.URL + "/data.bin"

	h1 := openDiskHandler(t, dir)
	assert.Equal(t, srv.content[100_000:101_000], readRange(t, h1, p, 100_000, 1000))
	assert.Equal(t, 1, srv.count("GET /data.bin"))

	// A second open of the same handler skips the network.
	assert.Equal(t, srv.content[100_100:100_200], readRange(t, h1, p, 100_100, 100))
	assert.Equal(t, 1, srv.count("GET /data.bin"))
	require.NoError(t, h1.Close())
	require.NoError(t, h1.Close())

	h2 := openDiskHandler(t, dir)
	t.Cleanup(func() { _ = h2.Close() })
	assert.Equal(t, srv.content[100_000:101_000], readRange(t, h2, p, 100_000, 1000))
	assert.Equal(t, 1, srv.count("GET /data.bin"))

	// The final short block is kept too.
	tail := readRange(t, h2, p, 199_990, 10)
	assert.Equal(t, srv.content[199_990:], tail)
	assert.Equal(t, 2, srv.count("GET /data.bin"))
	assert.Equal(t, srv.content[199_990:], readRange(t, h2, p, 199_990, 10))
	assert.Equal(t, 2, srv.count("GET /data.bin"))
}

func TestHandler_DiskCacheMultiBlockLoad(t *testing.T) {
	srv := newTestServer(t)
	h := openDiskHandler(t, t.TempDir())
	t.Cleanup(func() { _ = h.Close() })
	p := Prefix + srv.URL + "/data.bin"

	f, err := h.Open(context.Background(), p, "rb")
	require.NoError(t, err)
	all, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, srv.content, all)
	gets := srv.count("GET /data.bin")

	require.Equal(t, 7, h.blocks.Stats().Entries)
	assert.Equal(t, srv.content[70_000:140_000], readRange(t, h, p, 70_000, 70_000))
	assert.Equal(t, gets, srv.count("GET /data.bin"))
}

func TestHandler_DiskCacheNeedsValidator(t *testing.T) {
	srv := newTestServer(t)
	h := openDiskHandler(t, t.TempDir())
	t.Cleanup(func() { _ = h.Close() })

	p := Prefix + srv.URL + "/norange.bin"
	assert.Equal(t, srv.content[40_000:40_005], readRange(t, h, p, 40_000, 5))
	assert.Zero(t, h.blocks.Stats().Entries)
}
