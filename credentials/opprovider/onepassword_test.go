package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/vfs-cache/credentials"
)

// fakeOp writes a script that prints its arguments, or fails for refs
// containing "missing".
func fakeOp(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	script := `#!/bin/sh
for last; do :; done
case "$last" in
  *missing*) echo "item not found" >&2; exit 1 ;;
esac
echo "$*"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func resolve(t *testing.T, input string, opts ...Option) (*credentials.Credentials, error) {
	t.Helper()
	r := credentials.NewResolver(WithOnePassword(opts...))
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestWithOnePassword(t *testing.T) {
	bin := fakeOp(t)
	creds, err := resolve(t, `{"routes": [{"match": {"any": true}, "token": {{ op "op://vault/item/token" | json }}}]}`,
		WithBinary(bin), WithAccount("team"))
	require.NoError(t, err)
	require.Equal(t, "read --no-newline --account team op://vault/item/token", creds.Routes[0].Token)
}

func TestWithOnePassword_Failure(t *testing.T) {
	bin := fakeOp(t)
	_, err := resolve(t, `{"routes": [{"match": {"any": true}, "token": {{ op "op://vault/missing/token" | json }}}]}`, WithBinary(bin))
	require.ErrorContains(t, err, "item not found")
}

func TestWithOnePassword_RejectsOtherReferences(t *testing.T) {
	_, err := resolve(t, `{"routes": [{"match": {"any": true}, "token": {{ op "vault/item" | json }}}]}`, WithBinary("/nonexistent/op"))
	require.ErrorContains(t, err, "must start with op://")
}
