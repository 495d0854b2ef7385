// Package netfs serves HTTP and HTTPS resources as read-only virtual files.
//
// "/vsicurl/<url>" gives random access through Range requests behind a block
// cache. "/vsicurl_streaming/<url>" reads the resource with one sequential
// GET into a ring buffer, for servers and formats where Range requests are a
// poor fit.
package netfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/cache"
	"github.com/wolfeidau/vfs-cache/config"
	"github.com/wolfeidau/vfs-cache/download"
	"github.com/wolfeidau/vfs-cache/store/blockstore"
	"github.com/wolfeidau/vfs-cache/store/propcache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

const (
	// Prefix is the random-access handler prefix.
	Prefix = "/vsicurl/"

	// StreamingPrefix is the streaming handler prefix.
	StreamingPrefix = "/vsicurl_streaming/"

	// DefaultTTL is how long fetched properties are trusted.
	DefaultTTL = 5 * time.Minute

	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "vfscache"
)

// Handler is the "/vsicurl/" handler. Properties of remote resources are
// kept in a property cache for a TTL, and concurrent lookups of the same URL
// share one request.
type Handler struct {
	vfscache.Unimplemented

	client    *client
	props     propcache.Cache
	blocks    *blockstore.Store
	stats     *download.Downloader[*propcache.Properties]
	options   *config.Options
	logger    *slog.Logger
	transport http.RoundTripper
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithOptions sets the option set consulted for the TTL, the user agent and
// the block cache budget.
func WithOptions(o *config.Options) Option {
	return func(h *Handler) {
		h.options = o
	}
}

// WithPropertyCache sets where fetched properties are kept. The default is
// an in-process cache.
func WithPropertyCache(c propcache.Cache) Option {
	return func(h *Handler) {
		h.props = c
	}
}

// WithBlockStore keeps fetched blocks in a persistent store shared by every
// open file. The handler closes the store.
func WithBlockStore(s *blockstore.Store) Option {
	return func(h *Handler) {
		h.blocks = s
	}
}

// WithTransport sets the base round tripper. Requests are always counted
// through telemetry.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) {
		h.transport = rt
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates the "/vsicurl/" handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger:  slog.Default(),
		options: config.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.props == nil {
		h.props = propcache.NewMemory(h.now)
	}
	h.ttl = parseTTL(h.options.Get(config.CurlTTL, ""), h.logger)
	ua := h.options.Get(config.CurlUserAgent, DefaultUserAgent)
	h.client = &client{
		// No overall timeout: streaming bodies outlive any fixed deadline.
		http: &http.Client{Transport: telemetry.NewInstrumentedTransport(h.transport, Prefix).WithUserAgent(ua)},
		now:  h.now,
	}
	h.stats = download.New[*propcache.Properties](download.WithLogger(h.logger))
	return h
}

func parseTTL(v string, logger *slog.Logger) time.Duration {
	if v == "" {
		return DefaultTTL
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logger.Warn("invalid property cache ttl, using default", "value", v, "default", DefaultTTL)
		return DefaultTTL
	}
	return d
}

// URL returns the resource URL addressed by a virtual path under prefix.
// Path cleaning may have collapsed the scheme separator, which is repaired.
func URL(p, prefix string) (string, error) {
	raw, ok := strings.CutPrefix(p, prefix)
	if !ok {
		raw, ok = strings.CutPrefix(p, strings.TrimSuffix(prefix, "/"))
		if !ok {
			return "", fmt.Errorf("%s is not under %s: %w", p, prefix, vfscache.ErrBadParameter)
		}
	}
	raw = strings.TrimPrefix(raw, "/")
	for _, scheme := range []string{"http:", "https:"} {
		rest, ok := strings.CutPrefix(raw, scheme)
		if !ok {
			continue
		}
		return scheme + "//" + strings.TrimLeft(rest, "/"), nil
	}
	return "", fmt.Errorf("unsupported url %q: %w", raw, vfscache.ErrBadParameter)
}

// properties returns the cached or freshly fetched properties of rawURL.
func (h *Handler) properties(ctx context.Context, rawURL string) (*propcache.Properties, error) {
	if props, err := h.props.Get(ctx, rawURL); err == nil {
		return props, nil
	} else if !errors.Is(err, propcache.ErrNotFound) {
		h.logger.Warn("property cache lookup failed", "url", rawURL, "error", err)
	}

	props, shared, err := h.stats.Do(ctx, rawURL, func(ctx context.Context) (*propcache.Properties, error) {
		return h.fetch(ctx, rawURL)
	})
	if err != nil {
		download.ForgetOnError(h.stats, rawURL, err)
		return nil, err
	}
	if !shared {
		if err := h.props.Put(ctx, rawURL, props, h.ttl); err != nil {
			h.logger.Warn("storing properties failed", "url", rawURL, "error", err)
		}
	}
	return props, nil
}

// fetch describes rawURL. A missing file may still be a directory whose
// index lives at the same URL with a trailing slash.
func (h *Handler) fetch(ctx context.Context, rawURL string) (*propcache.Properties, error) {
	if strings.HasSuffix(rawURL, "/") {
		return h.fetchDir(ctx, rawURL)
	}
	props, err := h.client.head(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if props.Exists {
		h.logger.Debug("fetched properties", "url", rawURL, "size", props.Size, "accept_ranges", props.AcceptRanges)
		return props, nil
	}
	return h.fetchDir(ctx, rawURL+"/")
}

func (h *Handler) fetchDir(ctx context.Context, dirURL string) (*propcache.Properties, error) {
	entries, ok, err := h.client.listing(ctx, dirURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &propcache.Properties{FetchedAt: h.now()}, nil
	}
	h.logger.Debug("fetched listing", "url", dirURL, "entries", len(entries))
	return &propcache.Properties{Exists: true, IsDir: true, Children: entries, FetchedAt: h.now()}, nil
}

func (h *Handler) stat(ctx context.Context, p, prefix string) (string, *propcache.Properties, error) {
	rawURL, err := URL(p, prefix)
	if err != nil {
		return "", nil, err
	}
	props, err := h.properties(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}
	if !props.Exists {
		return "", nil, vfscache.ErrNotFound
	}
	return rawURL, props, nil
}

// Open opens a remote file for reading. Writing is not supported.
func (h *Handler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	m, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if !m.ReadOnly() {
		return nil, fmt.Errorf("opening %s for writing: %w", p, vfscache.ErrNotSupported)
	}
	rawURL, props, err := h.stat(ctx, p, Prefix)
	if err != nil {
		return nil, err
	}
	if props.IsDir {
		return nil, fmt.Errorf("%s is a directory: %w", p, vfscache.ErrBadParameter)
	}

	ctx = telemetry.WithHandler(ctx, Prefix)
	rh := &rangeHandle{
		ctx:    context.WithoutCancel(ctx),
		client: h.client,
		url:    rawURL,
		size:   props.Size,
		etag:   props.ETag,
		ranges: props.AcceptRanges,
		logger: h.logger,
	}
	var base vfscache.Handle = rh
	if v := validator(props); h.blocks != nil && v != "" {
		base = newDiskHandle(context.WithoutCancel(ctx), rh, h.blocks, rawURL, v, props.Size, h.logger)
	}
	return cache.NewBlockCache(ctx, base, cache.BlockConfig{
		MaxBytes: h.options.Size(config.CacheSize, cache.DefaultCacheBytes),
		Name:     "curl",
		Logger:   h.logger,
	}), nil
}

// Stat describes a remote file or directory.
func (h *Handler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	return h.statInfo(ctx, p, Prefix)
}

func (h *Handler) statInfo(ctx context.Context, p, prefix string) (vfscache.FileInfo, error) {
	rawURL, props, err := h.stat(ctx, p, prefix)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi := vfscache.FileInfo{
		Name:    path.Base(strings.TrimSuffix(rawURL, "/")),
		Size:    max(props.Size, 0),
		ModTime: props.ModTime,
		Mode:    0o444,
	}
	if props.IsDir {
		fi.Size = 0
		fi.Mode = fs.ModeDir | 0o555
	}
	return fi, nil
}

// ReadDir lists a directory from its HTML index page.
func (h *Handler) ReadDir(ctx context.Context, p string) ([]vfscache.FileInfo, error) {
	return h.readDir(ctx, p, Prefix)
}

func (h *Handler) readDir(ctx context.Context, p, prefix string) ([]vfscache.FileInfo, error) {
	rawURL, err := URL(p, prefix)
	if err != nil {
		return nil, err
	}
	props, err := h.properties(ctx, strings.TrimSuffix(rawURL, "/")+"/")
	if err != nil {
		return nil, err
	}
	if !props.Exists || !props.IsDir {
		return nil, vfscache.ErrNotFound
	}
	out := make([]vfscache.FileInfo, 0, len(props.Children))
	for _, child := range props.Children {
		if name, ok := strings.CutSuffix(child, "/"); ok {
			out = append(out, vfscache.FileInfo{Name: name, Mode: fs.ModeDir | 0o555})
			continue
		}
		out = append(out, vfscache.FileInfo{Name: child, Mode: 0o444})
	}
	return out, nil
}

// Invalidate drops cached properties of the resource at p and everything
// below it.
func (h *Handler) Invalidate(ctx context.Context, p string) error {
	rawURL, err := URL(p, Prefix)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(rawURL, "/")
	if err := h.props.Delete(ctx, base); err != nil {
		return fmt.Errorf("invalidating %s: %w", base, err)
	}
	n, err := h.props.DeletePrefix(ctx, base+"/")
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", rawURL, err)
	}
	h.logger.Debug("invalidated properties", "url", rawURL, "entries", n)
	return nil
}

// Close releases the property cache and the block store.
func (h *Handler) Close() error {
	err := h.props.Close()
	if h.blocks != nil {
		err = errors.Join(err, h.blocks.Close())
	}
	return err
}
