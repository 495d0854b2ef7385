package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/gzipfs"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCat_Range(t *testing.T) {
	p := writeTemp(t, "f.txt", "0123456789")

	out, err := runCLI(t, "cat", p)
	require.NoError(t, err)
	require.Equal(t, "0123456789", out)

	out, err = runCLI(t, "cat", "--offset", "3", "--length", "4", p)
	require.NoError(t, err)
	require.Equal(t, "3456", out)
}

func TestCp_ThroughGzip(t *testing.T) {
	content := strings.Repeat("compress me please ", 500)
	src := writeTemp(t, "plain.txt", content)
	dst := filepath.Join(t.TempDir(), "plain.txt.gz")

	_, err := runCLI(t, "cp", src, gzipfs.Path(dst))
	require.NoError(t, err)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Less(t, info.Size(), int64(len(content)))

	out, err := runCLI(t, "cat", gzipfs.Path(dst))
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestDigest_PagedMatchesStreamed(t *testing.T) {
	content := bytes.Repeat([]byte("paging-"), 40_000)
	p := writeTemp(t, "big.bin", string(content))
	want := vfscache.DigestBytes(content).String() + "  " + p + "\n"

	out, err := runCLI(t, "digest", p)
	require.NoError(t, err)
	require.Equal(t, want, out)

	out, err = runCLI(t, "digest", "--paged", p)
	require.NoError(t, err)
	require.Equal(t, want, out)
}

func TestEncryptDecrypt(t *testing.T) {
	src := writeTemp(t, "secret.txt", "attack at dawn")
	dir := t.TempDir()
	container := filepath.Join(dir, "secret.enc")
	plain := filepath.Join(dir, "secret.out")
	key := "0123456789abcdef"

	_, err := runCLI(t, "encrypt", "--key", key, "--add-key-check", src, container)
	require.NoError(t, err)

	raw, err := os.ReadFile(container)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "attack at dawn")

	_, err = runCLI(t, "decrypt", "--key", key, container, plain)
	require.NoError(t, err)
	got, err := os.ReadFile(plain)
	require.NoError(t, err)
	require.Equal(t, "attack at dawn", string(got))

	_, err = runCLI(t, "decrypt", "--key", "fedcba9876543210", container, plain+".bad")
	require.ErrorIs(t, err, vfscache.ErrIntegrity)
}

func TestLsAndStat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	out, err := runCLI(t, "ls", dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.txt", "b.txt", "sub"}, strings.Fields(out))

	out, err = runCLI(t, "stat", filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	var st statOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, "b.txt", st.Name)
	require.EqualValues(t, 2, st.Size)
	require.False(t, st.IsDir)
}

func TestRun_Errors(t *testing.T) {
	_, err := runCLI(t, "--log-format", "xml", "ls", t.TempDir())
	require.Error(t, err)

	_, err = runCLI(t, "cat", filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "path", "/vsimem/x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "/vsimem/x", rec["path"])

	_, err = newLogger("loud", "text", &buf)
	require.Error(t, err)
}
