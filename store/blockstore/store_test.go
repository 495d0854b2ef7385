package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
)

// testStore opens a store whose background eviction is stopped, so tests
// drive eviction with drain.
func testStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	cfg.NoSync = true
	s, err := Open(cfg)
	require.NoError(t, err)
	s.stopEviction()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func drain(s *Store) {
	for s.maybeEvict(context.Background()) {
	}
}

func putBlock(t *testing.T, s *Store, url string, index int64, data []byte) string {
	t.Helper()
	key := Key(url, "etag", index, len(data))
	require.NoError(t, s.Put(context.Background(), Header{
		Key:       key,
		URL:       url,
		Validator: "etag",
		Index:     index,
		Offset:    index * int64(len(data)),
	}, data))
	return key
}

func TestKey(t *testing.T) {
	a := Key("https://example.com/a", "v1", 0, 32768)
	require.Len(t, a, 64)
	require.Equal(t, a, Key("https://example.com/a", "v1", 0, 32768))
	require.NotEqual(t, a, Key("https://example.com/a", "v2", 0, 32768))
	require.NotEqual(t, a, Key("https://example.com/a", "v1", 1, 32768))
	require.NotEqual(t, a, Key("https://example.com/a", "v1", 0, 4096))
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{})
	data := bytes.Repeat([]byte("x"), 1000)
	key := putBlock(t, s, "https://example.com/a", 3, data)

	require.True(t, s.Contains(key))
	hdr, got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "https://example.com/a", hdr.URL)
	require.EqualValues(t, 3, hdr.Index)
	require.EqualValues(t, 3000, hdr.Offset)
	require.EqualValues(t, 1000, hdr.Length)
	require.Equal(t, vfscache.DigestBytes(data).String(), hdr.Digest)

	e, err := s.entry(key)
	require.NoError(t, err)
	require.Equal(t, 1, e.Freq)

	_, _, err = s.Get(ctx, Key("https://example.com/a", "etag", 4, 1000))
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Get(ctx, "short")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
}

func TestPut_ExistingIsNoop(t *testing.T) {
	s := testStore(t, Config{})
	putBlock(t, s, "https://example.com/a", 0, []byte("first"))
	before := s.Stats()
	putBlock(t, s, "https://example.com/a", 0, []byte("first"))
	require.Equal(t, before, s.Stats())
	require.Equal(t, 1, s.Stats().Entries)
}

func TestTouch_SaturatesFrequency(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{})
	key := putBlock(t, s, "https://example.com/a", 0, []byte("data"))
	for range 10 {
		_, _, err := s.Get(ctx, key)
		require.NoError(t, err)
	}
	e, err := s.entry(key)
	require.NoError(t, err)
	require.Equal(t, maxFreq, e.Freq)
}

func TestGet_CorruptBlockIsDropped(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{})
	key := putBlock(t, s, "https://example.com/a", 0, []byte("pristine"))

	p := s.blockPath(key)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	_, _, err = s.Get(ctx, key)
	require.ErrorIs(t, err, vfscache.ErrIntegrity)
	require.False(t, s.Contains(key))
	require.NoFileExists(t, p)
	require.Zero(t, s.Stats().SmallBytes)

	_, _, err = s.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGet_BadMagicIsIntegrityError(t *testing.T) {
	s := testStore(t, Config{})
	key := putBlock(t, s, "https://example.com/a", 0, []byte("pristine"))
	require.NoError(t, os.WriteFile(s.blockPath(key), []byte("JUNKJUNKJUNK"), 0o644))

	_, _, err := s.Get(context.Background(), key)
	require.ErrorIs(t, err, vfscache.ErrIntegrity)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{})
	key := putBlock(t, s, "https://example.com/a", 0, []byte("data"))

	require.NoError(t, s.Delete(ctx, key))
	require.False(t, s.Contains(key))
	require.Zero(t, s.Stats().SmallBytes)
	require.Zero(t, s.queues.len(queueSmall))

	require.NoError(t, s.Delete(ctx, key))
}

func TestEvict_OneHitWondersLeaveThroughSmall(t *testing.T) {
	s := testStore(t, Config{MaxSize: 4096, SmallQueuePercent: 50})
	block := bytes.Repeat([]byte("b"), 900)

	var keys []string
	for i := range 8 {
		keys = append(keys, putBlock(t, s, "https://example.com/a", int64(i), block))
	}
	drain(s)

	st := s.Stats()
	require.LessOrEqual(t, st.SmallBytes+st.MainBytes, int64(4096))
	require.Positive(t, st.Evictions)
	require.Zero(t, st.MainBytes)
	// FIFO: the oldest blocks went first and became ghosts.
	require.False(t, s.Contains(keys[0]))
	require.True(t, s.queues.ghostContains(keys[0]))
	require.True(t, s.Contains(keys[7]))
}

func TestEvict_ReadBlocksArePromoted(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{MaxSize: 4096, SmallQueuePercent: 50})
	block := bytes.Repeat([]byte("b"), 900)

	hot := putBlock(t, s, "https://example.com/a", 0, block)
	_, _, err := s.Get(ctx, hot)
	require.NoError(t, err)
	for i := 1; i < 8; i++ {
		putBlock(t, s, "https://example.com/a", int64(i), block)
	}
	drain(s)

	require.True(t, s.Contains(hot))
	st := s.Stats()
	require.Positive(t, st.Promotions)
	require.Positive(t, st.MainBytes)
	require.LessOrEqual(t, st.SmallBytes+st.MainBytes, int64(4096))
}

func TestAdmit_GhostHitGoesToMain(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, Config{MaxSize: 4096, SmallQueuePercent: 50})
	block := bytes.Repeat([]byte("b"), 900)

	first := putBlock(t, s, "https://example.com/a", 0, block)
	for i := 1; i < 8; i++ {
		putBlock(t, s, "https://example.com/a", int64(i), block)
	}
	drain(s)
	require.True(t, s.queues.ghostContains(first))

	putBlock(t, s, "https://example.com/a", 0, block)
	require.False(t, s.queues.ghostContains(first))
	require.Equal(t, 1, s.queues.len(queueMain))
	_, _, err := s.Get(ctx, first)
	require.NoError(t, err)
}

func TestReopen_RestoresCountersAndSweeps(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, NoSync: true})
	require.NoError(t, err)
	keep := putBlock(t, s, "https://example.com/a", 0, []byte("keep me"))
	lost := putBlock(t, s, "https://example.com/a", 1, []byte("lose me"))
	before := s.Stats()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// A file without an index entry and an entry without a file.
	orphan := filepath.Join(dir, blocksDir, "ab", "ab"+fmt.Sprintf("%062d", 0))
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("stray"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, blocksDir, lost[:2], lost)))

	s2 := testStore(t, Config{Dir: dir})
	require.NoFileExists(t, orphan)
	require.True(t, s2.Contains(keep))
	require.False(t, s2.Contains(lost))
	st := s2.Stats()
	require.Equal(t, 1, st.Entries)
	require.Less(t, st.SmallBytes, before.SmallBytes)
	require.Positive(t, st.SmallBytes)
}

func TestBackgroundEviction(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), MaxSize: 2048, NoSync: true, CheckInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	block := bytes.Repeat([]byte("b"), 900)
	for i := range 6 {
		putBlock(t, s, "https://example.com/a", int64(i), block)
	}
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.SmallBytes+st.MainBytes <= 2048
	}, 5*time.Second, 10*time.Millisecond)
}
