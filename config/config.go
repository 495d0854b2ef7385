// Package config resolves process-wide options consulted by handlers as
// fallbacks when a path carries no explicit parameter.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tailscale/hujson"
)

// Option keys. They mirror the environment variable names.
const (
	CryptKey          = "VSICRYPT_KEY"
	CryptKeyB64       = "VSICRYPT_KEY_B64"
	CryptAlg          = "VSICRYPT_ALG"
	CryptMode         = "VSICRYPT_MODE"
	CryptFreeText     = "VSICRYPT_FREETEXT"
	CryptIV           = "VSICRYPT_IV"
	CryptSectorSize   = "VSICRYPT_SECTOR_SIZE"
	CryptAddKeyCheck  = "VSICRYPT_ADD_KEY_CHECK"
	CacheSize         = "VSI_CACHE_SIZE"
	PagingCacheSize   = "VSI_PAGING_CACHE_SIZE"
	CurlTTL           = "VSICURL_TTL"
	CurlUserAgent     = "VSICURL_USER_AGENT"
	CurlPropCache     = "VSICURL_PROPERTY_CACHE"
	CurlDiskCache     = "VSICURL_DISK_CACHE"
	CurlDiskCacheSize = "VSICURL_DISK_CACHE_SIZE"
	CurlCredentials   = "VSICURL_CREDENTIALS"
	GzipWriteSidecar  = "VSIGZIP_WRITE_PROPERTIES"
)

// Options resolves keys in priority order: values set with Set, the
// environment, then values loaded from a JWCC file.
//
// Options is safe for concurrent use.
type Options struct {
	mu     sync.RWMutex
	set    map[string]string
	file   map[string]string
	lookup func(string) (string, bool)
}

// Option configures Options.
type Option func(*Options)

// WithLookup replaces the environment lookup, mainly for tests.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(o *Options) {
		o.lookup = lookup
	}
}

// New creates an option set backed by the process environment.
func New(opts ...Option) *Options {
	o := &Options{
		set:    make(map[string]string),
		file:   make(map[string]string),
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LoadFile reads a JWCC (JSON with comments and trailing commas) object of
// key/value pairs. Non-string scalars are stored in their JSON text form.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return o.Load(data)
}

// Load parses a JWCC document of key/value pairs.
func (o *Options) Load(data []byte) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			values[k] = s
			continue
		}
		values[k] = strings.TrimSpace(string(v))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for k, v := range values {
		o.file[k] = v
	}
	return nil
}

// Set overrides key for the lifetime of o.
func (o *Options) Set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.set[key] = value
}

// Unset removes an override installed with Set.
func (o *Options) Unset(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.set, key)
}

// Lookup returns the value of key and whether it was found.
func (o *Options) Lookup(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.set[key]; ok {
		return v, true
	}
	if o.lookup != nil {
		if v, ok := o.lookup(key); ok {
			return v, true
		}
	}
	v, ok := o.file[key]
	return v, ok
}

// Get returns the value of key or def when unset.
func (o *Options) Get(key, def string) string {
	if v, ok := o.Lookup(key); ok {
		return v
	}
	return def
}

// Bool interprets key as a boolean. "YES", "ON", "TRUE" and "1" are true
// regardless of case.
func (o *Options) Bool(key string, def bool) bool {
	v, ok := o.Lookup(key)
	if !ok {
		return def
	}
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "YES", "ON", "TRUE", "1":
		return true
	case "NO", "OFF", "FALSE", "0":
		return false
	}
	return def
}

// Int64 interprets key as an integer, returning def when unset or malformed.
func (o *Options) Int64(key string, def int64) int64 {
	v, ok := o.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Size interprets key as a byte size with an optional KB, MB or GB suffix
// (powers of 1024).
func (o *Options) Size(key string, def int64) int64 {
	v, ok := o.Lookup(key)
	if !ok {
		return def
	}
	n, err := ParseSize(v)
	if err != nil {
		return def
	}
	return n
}

// ParseSize parses a byte count such as "512", "64KB" or "25MB".
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			mult = unit.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}

var (
	defaultOptions *Options
	defaultOnce    sync.Once
)

// Default returns the process-wide option set backed by the environment.
func Default() *Options {
	defaultOnce.Do(func() {
		defaultOptions = New()
	})
	return defaultOptions
}
