package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) ResolverOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func TestResolveReader_EnvFunction(t *testing.T) {
	input := `{"routes": [{"match": {"any": true}, "token": {{ env "TEST_TOKEN" | json }}}]}`
	r := NewResolver(envMap(map[string]string{"TEST_TOKEN": "secret123"}))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.Routes[0].Token)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"routes": [{"match": {"any": true}, "token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}]}`
	r := NewResolver(envMap(nil))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	input := `{"routes": [{"match": {"any": true}, "token": {{ envDefault "TOKEN" "fallback" | json }}}]}`

	creds, err := NewResolver(envMap(nil)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.Routes[0].Token)

	creds, err = NewResolver(envMap(map[string]string{"TOKEN": "actual"})).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "actual", creds.Routes[0].Token)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	input := `{"routes": [{"match": {"any": true}, "password": {{ file "` + tmpFile + `" | json }}}]}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.Routes[0].Password)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	input := `{"routes": [{"match": {"any": true}, "token": {{ env "SPECIAL" | json }}}]}`
	r := NewResolver(envMap(map[string]string{"SPECIAL": `value with "quotes" and \backslash`}))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Routes[0].Token)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mock := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"routes": [
		{"match": {"url_prefix": "https://a.example/"}, "token": {{ mock "same-ref" | json }}},
		{"match": {"url_prefix": "https://b.example/"}, "token": {{ mock "same-ref" | json }}}
	]}`
	creds, err := NewResolver(WithProvider("mock", mock)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.Routes[0].Token)
	require.Equal(t, "resolved-same-ref", creds.Routes[1].Token)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(context.Context, string) (string, error) { return "", errors.New("vault sealed") }
	input := `{"routes": [{"match": {"any": true}, "token": {{ vault "x" | json }}}]}`
	_, err := NewResolver(WithProvider("vault", failing)).ResolveReader(context.Background(), strings.NewReader(input))
	require.ErrorContains(t, err, "vault sealed")
}

func TestResolveReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing key", `{"routes": {{ .UndefinedKey }}}`, "executing credentials template"},
		{"invalid json", `not valid json`, "invalid credentials JSON after template execution"},
		{"oversized", strings.Repeat("x", maxInputSize+1), "exceeds maximum size"},
		{"empty match", `{"routes": [{"match": {}, "token": "t"}]}`, "match needs url_prefix or any"},
		{"bad prefix", `{"routes": [{"match": {"url_prefix": "ftp://x/"}}]}`, "is not an http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(tt.input))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Empty(t, creds.Routes)
	require.Nil(t, creds.Match("https://example.com/x"))
}

func TestResolveFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"routes": [{"match": {"any": true}, "token": "from-file"}]}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Routes[0].Token)

	_, err = NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.ErrorContains(t, err, "opening credentials file")
}

func TestCredentials_Match(t *testing.T) {
	creds := &Credentials{Routes: []Route{
		{Match: RouteMatch{URLPrefix: "https://data.example.com/"}, Token: "broad"},
		{Match: RouteMatch{Any: true}, Token: "fallback"},
		{Match: RouteMatch{URLPrefix: "https://data.example.com/private/"}, Token: "narrow"},
		{Match: RouteMatch{Any: true}, Token: "second fallback"},
	}}

	require.Equal(t, "narrow", creds.Match("https://data.example.com/private/a.tif").Token)
	require.Equal(t, "broad", creds.Match("https://data.example.com/public/a.tif").Token)
	require.Equal(t, "fallback", creds.Match("https://other.example.com/a.tif").Token)

	var none *Credentials
	require.Nil(t, none.Match("https://data.example.com/"))
}

func TestTransport(t *testing.T) {
	type seen struct{ auth, extra string }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("X-Seen-Api-Key", r.Header.Get("X-Api-Key"))
	}))
	defer srv.Close()

	creds := &Credentials{Routes: []Route{
		{Match: RouteMatch{URLPrefix: srv.URL + "/token/"}, Token: "t0k3n", Headers: map[string]string{"X-Api-Key": "k"}},
		{Match: RouteMatch{URLPrefix: srv.URL + "/basic/"}, Username: "user", Password: "pass"},
	}}
	client := &http.Client{Transport: NewTransport(nil, creds, nil)}

	do := func(path string, hdr http.Header) seen {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		for k, v := range hdr {
			req.Header[k] = v
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return seen{auth: resp.Header.Get("X-Seen-Authorization"), extra: resp.Header.Get("X-Seen-Api-Key")}
	}

	require.Equal(t, seen{auth: "Bearer t0k3n", extra: "k"}, do("/token/x", nil))
	require.Equal(t, seen{auth: "Basic dXNlcjpwYXNz"}, do("/basic/x", nil))
	require.Equal(t, seen{}, do("/open/x", nil))
	require.Equal(t, seen{auth: "Bearer mine"}, do("/token/x", http.Header{"Authorization": {"Bearer mine"}}))
}
