package paging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/config"
)

// DefaultCacheSize is the resident budget of a region that sets none.
const DefaultCacheSize = 25_000_000

type requestKind int

const (
	reqFault requestKind = iota
	reqPin
	reqClose
)

// request is one unit of work for the manager's worker. The requester
// blocks on reply.
type request struct {
	kind   requestKind
	addr   uintptr
	region *Region
	page   int
	op     Op
	reply  chan error
}

// Manager owns the worker goroutine that services faults and pins for a
// set of regions. Page fills and evictions for all of its regions run on
// that one goroutine.
type Manager struct {
	plat      platform
	logger    *slog.Logger
	ctx       context.Context
	cacheSize int64

	mu         sync.Mutex
	regions    []*Region
	started    bool
	terminated bool

	requests chan request
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithOptions reads the default resident budget from
// config.PagingCacheSize.
func WithOptions(o *config.Options) ManagerOption {
	return func(m *Manager) {
		m.cacheSize = o.Size(config.PagingCacheSize, DefaultCacheSize)
	}
}

// NewManager creates a manager. Its worker starts with the first region.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		plat:      newPlatform(),
		logger:    slog.Default(),
		ctx:       context.Background(),
		cacheSize: DefaultCacheSize,
		requests:  make(chan request),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(WithOptions(config.Default()))
	}
	return defaultManager
}

// NewRegion creates a region on the process-wide manager.
func NewRegion(cfg RegionConfig) (*Region, error) {
	return Default().NewRegion(cfg)
}

// Terminate stops the process-wide manager. Every region must have been
// closed. A later NewRegion starts a new manager.
func Terminate() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		return nil
	}
	if err := defaultManager.Terminate(); err != nil {
		return err
	}
	defaultManager = nil
	return nil
}

// Transparent reports whether Region.Do is available.
func (m *Manager) Transparent() bool { return m.plat.transparent() }

// NewRegion reserves address space for cfg.Size bytes.
func (m *Manager) NewRegion(cfg RegionConfig) (*Region, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("region size %d: %w", cfg.Size, vfscache.ErrBadParameter)
	}
	if cfg.Fill == nil {
		return nil, fmt.Errorf("region needs a fill function: %w", vfscache.ErrBadParameter)
	}
	if cfg.Mode < ReadOnly || cfg.Mode > ReadWrite {
		return nil, fmt.Errorf("access mode %d: %w", cfg.Mode, vfscache.ErrBadParameter)
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = m.cacheSize
	}

	sysPage := m.plat.pageSize()
	ps := resolvePageSize(cfg.PageSize, sysPage)
	budget := m.plat.mappingBudget() - m.residentCapacity()
	capacity := capacityPages(cfg.CacheSize, cfg.Size, ps)
	for capacity > budget {
		if ps >= MaxPageSize {
			return nil, fmt.Errorf("region of %d bytes needs %d mappings, %d available: %w",
				cfg.Size, capacity, budget, vfscache.ErrResourceExhausted)
		}
		ps *= 2
		capacity = capacityPages(cfg.CacheSize, cfg.Size, ps)
	}

	npages := int((cfg.Size + int64(ps) - 1) / int64(ps))
	capacity = min(capacity, npages)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return nil, fmt.Errorf("paging manager terminated: %w", vfscache.ErrClosed)
	}

	reservation, err := m.plat.reserve((npages + 1) * ps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vfscache.ErrResourceExhausted, err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))
	delta := int((uintptr(ps) - base%uintptr(ps)) % uintptr(ps))
	full := reservation[delta : delta+npages*ps : delta+npages*ps]

	r := &Region{
		m:           m,
		cfg:         cfg,
		logger:      cfg.Logger.With("region_size", cfg.Size, "page_size", ps),
		reservation: reservation,
		full:        full,
		mem:         full[:cfg.Size:cfg.Size],
		base:        base + uintptr(delta),
		pageSize:    ps,
		npages:      npages,
		resident:    newBitmap(npages),
		writable:    newBitmap(npages),
		ring:        newPageRing(capacity),
		lastPage:    -1,
	}

	m.regions = append(m.regions, r)
	if !m.started {
		m.started = true
		go m.run()
	}
	r.logger.Debug("region created", "mode", cfg.Mode, "capacity_pages", capacity)
	return r, nil
}

// residentCapacity sums the ring capacity of live regions.
func (m *Manager) residentCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.regions {
		n += len(r.ring.pages)
	}
	return n
}

// Terminate stops the worker. It fails while any region is still open.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	if n := len(m.regions); n > 0 {
		m.mu.Unlock()
		return fmt.Errorf("terminating paging manager with %d open regions: %w", n, vfscache.ErrConcurrency)
	}
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	started := m.started
	m.mu.Unlock()

	if started {
		close(m.stopCh)
		<-m.doneCh
	}
	return nil
}

// lookup returns the region whose pages contain addr.
func (m *Manager) lookup(addr uintptr) *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if addr >= r.base && addr < r.base+uintptr(len(r.full)) {
			return r
		}
	}
	return nil
}

func (m *Manager) remove(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.regions {
		if other == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// submit hands req to the worker and waits for its reply.
func (m *Manager) submit(req request) error {
	req.reply = make(chan error, 1)
	select {
	case m.requests <- req:
	case <-m.stopCh:
		return fmt.Errorf("paging manager terminated: %w", vfscache.ErrClosed)
	}
	return <-req.reply
}

// run is the worker goroutine.
func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case req := <-m.requests:
			req.reply <- m.serve(req)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) serve(req request) error {
	switch req.kind {
	case reqFault:
		r := m.lookup(req.addr)
		if r == nil {
			return fmt.Errorf("fault at %#x: %w", req.addr, vfscache.ErrClosed)
		}
		return r.service(int((req.addr-r.base)/uintptr(r.pageSize)), req.op, true)
	case reqPin:
		return req.region.service(req.page, req.op, false)
	case reqClose:
		return req.region.release()
	default:
		return fmt.Errorf("unknown request kind %d", req.kind)
	}
}
