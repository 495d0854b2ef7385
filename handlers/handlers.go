// Package handlers assembles a Registry with every virtual filesystem
// handler installed. Handlers that depend on others, or that hold resources,
// are built on first use.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/archive"
	"github.com/wolfeidau/vfs-cache/backend"
	"github.com/wolfeidau/vfs-cache/config"
	"github.com/wolfeidau/vfs-cache/credentials"
	"github.com/wolfeidau/vfs-cache/credentials/opprovider"
	"github.com/wolfeidau/vfs-cache/cryptfs"
	"github.com/wolfeidau/vfs-cache/decompress"
	"github.com/wolfeidau/vfs-cache/gzipfs"
	"github.com/wolfeidau/vfs-cache/netfs"
	"github.com/wolfeidau/vfs-cache/paging"
	"github.com/wolfeidau/vfs-cache/store/blockstore"
	"github.com/wolfeidau/vfs-cache/store/propcache"
)

// Config holds the settings for building a handler set.
type Config struct {
	// Options is consulted for handler settings. Defaults to config.Default().
	Options *config.Options

	Logger *slog.Logger

	// Stdin replaces os.Stdin for /vsistdin/.
	Stdin io.Reader

	// Transport is the base round tripper for /vsicurl/.
	Transport http.RoundTripper

	// PropertyCachePath overrides config.CurlPropCache. When neither is set,
	// network properties are kept in memory.
	PropertyCachePath string

	// DiskCachePath overrides config.CurlDiskCache: a directory where
	// /vsicurl/ keeps fetched blocks across restarts. Its budget is
	// config.CurlDiskCacheSize.
	DiskCachePath string

	// CredentialsPath overrides config.CurlCredentials: a credentials
	// template whose routes add auth to /vsicurl/ requests. Secrets may be
	// read with env, file or op.
	CredentialsPath string

	// Instrument wraps every handler to record per-operation metrics.
	Instrument bool

	// GeneratedKey receives keys created for key=GENERATE_IT.
	GeneratedKey func(path string, key []byte)
}

// Set is a Registry with the standard handlers and the resources they own.
type Set struct {
	*vfscache.Registry

	Memory *backend.Memory
	Shared *vfscache.SharedFiles

	cfg    Config
	logger *slog.Logger
	index  *archive.Index

	curlOnce sync.Once
	curl     *netfs.Handler
	curlErr  error

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New builds a handler set. Unprefixed paths go to the local filesystem.
func New(cfg Config) *Set {
	if cfg.Options == nil {
		cfg.Options = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Set{
		cfg:    cfg,
		logger: cfg.Logger,
		Memory: backend.NewMemory(),
		index:  archive.NewIndex(),
	}
	local := backend.NewLocal(backend.WithLocalLogger(cfg.Logger))
	s.Registry = vfscache.NewRegistry(
		vfscache.WithLogger(cfg.Logger),
		vfscache.WithDefaultHandler(s.wrap("/", local)),
	)
	s.Shared = vfscache.NewSharedFiles(s.Registry, vfscache.WithSharedLogger(cfg.Logger))
	reg := s.Registry

	reg.Register(backend.MemoryPrefix, s.wrap(backend.MemoryPrefix, s.Memory))
	reg.Register(backend.SubfilePrefix, s.wrap(backend.SubfilePrefix, backend.NewSubfile(reg)))
	reg.Register(backend.SparsePrefix, s.wrap(backend.SparsePrefix, backend.NewSparse(reg)))

	var stdinOpts []backend.StdinOption
	if cfg.Stdin != nil {
		stdinOpts = append(stdinOpts, backend.WithStdinReader(cfg.Stdin))
	}
	reg.RegisterLazy(backend.StdinPrefix, func() (vfscache.Handler, error) {
		return s.wrap(backend.StdinPrefix, backend.NewStdin(stdinOpts...)), nil
	})

	reg.RegisterLazy(gzipfs.Prefix, s.buildGzip)
	reg.RegisterLazy(archive.ZipPrefix, func() (vfscache.Handler, error) {
		return s.wrap(archive.ZipPrefix, archive.NewZip(reg, archive.WithLogger(cfg.Logger), archive.WithIndex(s.index))), nil
	})
	reg.RegisterLazy(archive.TarPrefix, func() (vfscache.Handler, error) {
		// Compressed tarballs are read through /vsigzip/.
		if _, err := reg.Ensure(gzipfs.Prefix, s.buildGzip); err != nil {
			return nil, err
		}
		return s.wrap(archive.TarPrefix, archive.NewTar(reg, archive.WithLogger(cfg.Logger), archive.WithIndex(s.index))), nil
	})
	reg.RegisterLazy(decompress.ZstdPrefix, func() (vfscache.Handler, error) {
		return s.wrap(decompress.ZstdPrefix, decompress.New(decompress.ZstdPrefix, decompress.Zstd, reg, decompress.WithLogger(cfg.Logger))), nil
	})
	reg.RegisterLazy(decompress.LZ4Prefix, func() (vfscache.Handler, error) {
		return s.wrap(decompress.LZ4Prefix, decompress.New(decompress.LZ4Prefix, decompress.LZ4, reg, decompress.WithLogger(cfg.Logger))), nil
	})
	reg.RegisterLazy(cryptfs.Prefix, func() (vfscache.Handler, error) {
		opts := []cryptfs.Option{cryptfs.WithLogger(cfg.Logger), cryptfs.WithOptions(cfg.Options)}
		if cfg.GeneratedKey != nil {
			opts = append(opts, cryptfs.WithGeneratedKey(cfg.GeneratedKey))
		}
		return s.wrap(cryptfs.Prefix, cryptfs.New(reg, opts...)), nil
	})
	// The streaming prefix is registered first so the two never shadow each
	// other under lenient prefix matching.
	reg.RegisterLazy(netfs.StreamingPrefix, func() (vfscache.Handler, error) {
		h, err := s.Curl()
		if err != nil {
			return nil, err
		}
		return s.wrap(netfs.StreamingPrefix, netfs.NewStreaming(h)), nil
	})
	reg.RegisterLazy(netfs.Prefix, func() (vfscache.Handler, error) {
		h, err := s.Curl()
		if err != nil {
			return nil, err
		}
		return s.wrap(netfs.Prefix, h), nil
	})
	return s
}

func (s *Set) wrap(prefix string, h vfscache.Handler) vfscache.Handler {
	if !s.cfg.Instrument {
		return h
	}
	return backend.NewInstrumented(h, prefix)
}

func (s *Set) buildGzip() (vfscache.Handler, error) {
	h := gzipfs.New(s.Registry,
		gzipfs.WithLogger(s.logger),
		gzipfs.WithSidecar(s.cfg.Options.Bool(config.GzipWriteSidecar, true)),
	)
	return s.wrap(gzipfs.Prefix, h), nil
}

// Curl returns the /vsicurl/ handler, building it and its property cache on
// first use. Both network prefixes share it.
func (s *Set) Curl() (*netfs.Handler, error) {
	s.curlOnce.Do(func() {
		opts := []netfs.Option{netfs.WithLogger(s.logger), netfs.WithOptions(s.cfg.Options)}
		transport := s.cfg.Transport
		credsPath := s.cfg.CredentialsPath
		if credsPath == "" {
			credsPath = s.cfg.Options.Get(config.CurlCredentials, "")
		}
		if credsPath != "" {
			resolver := credentials.NewResolver(credentials.WithLogger(s.logger), opprovider.WithOnePassword())
			creds, err := resolver.ResolveFile(context.Background(), credsPath)
			if err != nil {
				s.curlErr = fmt.Errorf("loading credentials: %w", err)
				return
			}
			transport = credentials.NewTransport(transport, creds, s.logger)
			s.logger.Info("network credentials loaded", "path", credsPath, "routes", len(creds.Routes))
		}
		if transport != nil {
			opts = append(opts, netfs.WithTransport(transport))
		}
		dir := s.cfg.DiskCachePath
		if dir == "" {
			dir = s.cfg.Options.Get(config.CurlDiskCache, "")
		}
		var blocks *blockstore.Store
		if dir != "" {
			var err error
			blocks, err = blockstore.Open(blockstore.Config{
				Dir:     dir,
				MaxSize: s.cfg.Options.Size(config.CurlDiskCacheSize, blockstore.DefaultMaxSize),
				Logger:  s.logger,
			})
			if err != nil {
				s.curlErr = fmt.Errorf("opening disk cache: %w", err)
				return
			}
			opts = append(opts, netfs.WithBlockStore(blocks))
			s.logger.Info("persistent disk cache enabled", "dir", dir)
		}

		path := s.cfg.PropertyCachePath
		if path == "" {
			path = s.cfg.Options.Get(config.CurlPropCache, "")
		}
		if path != "" {
			db := propcache.NewBolt(propcache.WithLogger(s.logger))
			if err := db.Open(path); err != nil {
				s.curlErr = fmt.Errorf("opening property cache: %w", err)
				if blocks != nil {
					_ = blocks.Close()
				}
				return
			}
			opts = append(opts, netfs.WithPropertyCache(db))

			ctx, cancel := context.WithCancel(context.Background())
			s.reaperCancel = cancel
			s.reaperDone = make(chan struct{})
			reaper := propcache.NewReaper(db, propcache.WithReaperLogger(s.logger))
			go func() {
				defer close(s.reaperDone)
				reaper.Run(ctx)
			}()
			s.logger.Info("persistent property cache enabled", "path", path)
		}
		s.curl = netfs.New(opts...)
	})
	return s.curl, s.curlErr
}

// Close stops background work and closes every handler.
func (s *Set) Close() error {
	// Waits for an in-flight build and prevents a later one.
	s.curlOnce.Do(func() {})
	if s.reaperCancel != nil {
		s.reaperCancel()
		<-s.reaperDone
	}
	var errs []error
	if err := s.Shared.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	// The registry closes the handler only if /vsicurl/ itself was used.
	if s.curl != nil {
		if err := s.curl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	defaultMu  sync.Mutex
	defaultSet *Set
)

// Default returns the process-wide handler set, built on first use from
// config.Default().
func Default() *Set {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSet == nil {
		defaultSet = New(Config{})
	}
	return defaultSet
}

// Cleanup closes the process-wide handler set and stops the process-wide
// paging manager. Every paging region must have been closed.
func Cleanup() error {
	defaultMu.Lock()
	set := defaultSet
	defaultSet = nil
	defaultMu.Unlock()

	var errs []error
	if set != nil {
		if err := set.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := paging.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
