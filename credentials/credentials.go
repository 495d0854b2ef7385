// Package credentials resolves HTTP credentials for remote resources from a
// templated JSON file. Secrets are pulled into the file at load time through
// template functions (env, file and any registered SecretProvider), so the
// file itself can be committed without them.
//
//	{
//	  "routes": [
//	    {"match": {"url_prefix": "https://data.example.com/private/"},
//	     "token": {{ env "DATA_TOKEN" | json }}},
//	    {"match": {"url_prefix": "https://archive.example.org/"},
//	     "username": "reader", "password": {{ op "op://vault/archive/password" | json }}}
//	  ]
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds the resolved routing table.
type Credentials struct {
	Routes []Route `json:"routes,omitempty"`
}

// Route attaches credentials to requests whose URL it matches. Token is sent
// as a bearer token; otherwise Username and Password are sent as basic
// auth. Headers are added in either case.
type Route struct {
	Match    RouteMatch        `json:"match"`
	Token    string            `json:"token,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// RouteMatch selects requests by URL prefix, or every request with Any.
type RouteMatch struct {
	URLPrefix string `json:"url_prefix,omitempty"`
	Any       bool   `json:"any,omitempty"`
}

// Match returns the route for rawURL: the longest matching URL prefix, else
// the first catch-all route, else nil.
func (c *Credentials) Match(rawURL string) *Route {
	if c == nil {
		return nil
	}
	var best, fallback *Route
	for i := range c.Routes {
		r := &c.Routes[i]
		switch {
		case r.Match.URLPrefix != "" && strings.HasPrefix(rawURL, r.Match.URLPrefix):
			if best == nil || len(r.Match.URLPrefix) > len(best.Match.URLPrefix) {
				best = r
			}
		case r.Match.Any && fallback == nil:
			fallback = r
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

func (c *Credentials) validate() error {
	for i, r := range c.Routes {
		if r.Match.URLPrefix == "" && !r.Match.Any {
			return fmt.Errorf("route %d: match needs url_prefix or any", i)
		}
		if r.Match.URLPrefix != "" && !strings.HasPrefix(r.Match.URLPrefix, "http://") && !strings.HasPrefix(r.Match.URLPrefix, "https://") {
			return fmt.Errorf("route %d: url_prefix %q is not an http(s) URL", i, r.Match.URLPrefix)
		}
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// WithLookupEnv replaces os.LookupEnv for the env and envDefault functions.
func WithLookupEnv(lookup func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) {
		r.lookupEnv = lookup
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		lookupEnv: os.LookupEnv,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("resolved credentials", "path", path, "routes", len(creds.Routes))
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Each resolution memoizes provider lookups separately.
	cache := make(map[string]string)
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.buildFuncMap(ctx, cache)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := r.lookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := r.lookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}
	return fm
}

func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}
		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		cache[cacheKey] = val
		return val, nil
	}
}
