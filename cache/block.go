package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

const (
	// DefaultBlockSize is the block size of the block cache.
	DefaultBlockSize = 32 * 1024

	// DefaultCacheBytes is the resident budget of one block cache.
	DefaultCacheBytes = 25_000_000

	// DefaultMaxLoad caps the buffer allocated for a single bulk load.
	DefaultMaxLoad = 4 * 1024 * 1024
)

// BlockConfig configures a BlockCache.
type BlockConfig struct {
	// BlockSize is the size of one cached block (default 32KB).
	BlockSize int

	// MaxBytes is the resident budget; at least one block is always kept.
	MaxBytes int64

	// MaxLoad caps a single underlying read when several contiguous missing
	// blocks are loaded together. Larger runs are split in halves.
	MaxLoad int64

	// Name labels the cache in metrics and logs.
	Name string

	Logger *slog.Logger
}

// BlockStats reports cache activity.
type BlockStats struct {
	Hits        int64
	Misses      int64
	Loads       int64
	LoadedBytes int64
	Evictions   int64
	Writebacks  int64
	Resident    int
}

type block struct {
	index int64
	data  []byte
	dirty bool
}

// BlockCache is a Handle decorator that splits the file into fixed-size blocks
// and keeps a bounded LRU set of them in memory. Writes land in resident
// blocks and are written back to the base when a dirty block is evicted, on
// Flush and on Close.
//
// Like every Handle it is used from one goroutine at a time; the index lock
// only makes Stats and Resident safe to call concurrently and is never held
// across a base operation.
type BlockCache struct {
	base   vfscache.Handle
	ctx    context.Context
	cfg    BlockConfig
	logger *slog.Logger

	mu       sync.Mutex
	lru      *list.List
	blocks   map[int64]*list.Element
	capacity int
	stats    BlockStats

	// size is the logical size, or -1 until learned.
	size int64
	pos  int64
	eof  bool
}

// NewBlockCache wraps base. The decorator owns base and closes it.
func NewBlockCache(ctx context.Context, base vfscache.Handle, cfg BlockConfig) *BlockCache {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultCacheBytes
	}
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = DefaultMaxLoad
	}
	if cfg.Name == "" {
		cfg.Name = "block"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &BlockCache{
		base:     base,
		ctx:      context.WithoutCancel(ctx),
		cfg:      cfg,
		logger:   cfg.Logger,
		lru:      list.New(),
		blocks:   make(map[int64]*list.Element),
		capacity: int(max(1, cfg.MaxBytes/int64(cfg.BlockSize))),
		size:     -1,
	}
	if s, ok := base.(vfscache.Sizer); ok {
		if n, err := s.Size(); err == nil {
			c.size = n
		}
	}
	return c
}

// Stats returns a snapshot of the cache counters.
func (c *BlockCache) Stats() BlockStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Resident = len(c.blocks)
	return s
}

// Resident reports whether block index is in memory.
func (c *BlockCache) Resident(index int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocks[index]
	return ok
}

// lookup returns a resident block and marks it most recently used.
func (c *BlockCache) lookup(index int64) *block {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.blocks[index]
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	c.lru.MoveToFront(elem)
	return elem.Value.(*block)
}

// insert admits b, evicting least recently used blocks to stay within budget.
// Evicted dirty blocks are returned for write-back.
func (c *BlockCache) insert(b *block) []*block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.blocks[b.index]; ok {
		elem.Value = b
		c.lru.MoveToFront(elem)
		return nil
	}
	var dirty []*block
	for len(c.blocks) >= c.capacity {
		oldest := c.lru.Back()
		victim := oldest.Value.(*block)
		c.lru.Remove(oldest)
		delete(c.blocks, victim.index)
		c.stats.Evictions++
		telemetry.RecordCacheEviction(c.ctx, c.cfg.Name)
		if victim.dirty {
			dirty = append(dirty, victim)
		}
	}
	c.blocks[b.index] = c.lru.PushFront(b)
	return dirty
}

func (c *BlockCache) admit(b *block) error {
	return c.writeBack(c.insert(b))
}

// missingRun counts contiguous non-resident blocks from first up to last,
// bounded by the cache capacity so a bulk load never evicts its own blocks.
func (c *BlockCache) missingRun(first, last int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for idx := first; idx <= last && n < int64(c.capacity); idx++ {
		if _, ok := c.blocks[idx]; ok {
			break
		}
		n++
	}
	return n
}

// load reads count blocks starting at first with as few base reads as the
// load ceiling permits.
func (c *BlockCache) load(first, count int64) error {
	bs := int64(c.cfg.BlockSize)
	if count > 1 && count*bs > c.cfg.MaxLoad {
		half := count / 2
		if err := c.load(first, half); err != nil {
			return err
		}
		return c.load(first+half, count-half)
	}

	c.logger.Debug("loading blocks", "cache", c.cfg.Name, "first", first, "count", count)
	buf := make([]byte, count*bs)
	if _, err := c.base.Seek(first*bs, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to block %d: %w", first, err)
	}
	got, err := io.ReadFull(c.base, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if c.size < 0 && got > 0 {
			c.size = first*bs + int64(got)
		}
	case err != nil:
		return fmt.Errorf("loading blocks %d+%d: %w", first, count, err)
	}

	c.mu.Lock()
	c.stats.Loads++
	c.stats.LoadedBytes += int64(got)
	c.mu.Unlock()
	telemetry.RecordCacheLoad(c.ctx, c.cfg.Name, int64(got))

	for i := int64(0); i*bs < int64(got); i++ {
		end := min((i+1)*bs, int64(got))
		data := make([]byte, end-i*bs, bs)
		copy(data, buf[i*bs:end])
		if err := c.admit(&block{index: first + i, data: data}); err != nil {
			return err
		}
	}
	return nil
}

// block returns block index, loading it together with the missing blocks
// that follow it up to last. A nil block means index lies past the end.
func (c *BlockCache) block(index, last int64) (*block, error) {
	if b := c.lookup(index); b != nil {
		telemetry.RecordCacheLookup(c.ctx, c.cfg.Name, telemetry.CacheHit)
		return b, nil
	}
	telemetry.RecordCacheLookup(c.ctx, c.cfg.Name, telemetry.CacheMiss)
	if c.size >= 0 && index*int64(c.cfg.BlockSize) >= c.size {
		return nil, nil
	}
	if err := c.load(index, max(1, c.missingRun(index, last))); err != nil {
		return nil, err
	}
	c.mu.Lock()
	elem, ok := c.blocks[index]
	c.mu.Unlock()
	if ok {
		return elem.Value.(*block), nil
	}
	bs := int64(c.cfg.BlockSize)
	if index*bs >= c.size {
		return nil, nil
	}
	// Unflushed writes extended the file past the base: the gap reads as zeros.
	b := &block{index: index, data: make([]byte, min(bs, c.size-index*bs), bs)}
	if err := c.admit(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *BlockCache) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.size >= 0 && c.pos >= c.size {
		c.eof = true
		return 0, io.EOF
	}
	bs := int64(c.cfg.BlockSize)
	end := c.pos + int64(len(p))
	if c.size >= 0 {
		end = min(end, c.size)
	}
	last := (end - 1) / bs

	n := 0
	for c.pos < end {
		idx := c.pos / bs
		b, err := c.block(idx, last)
		if err != nil {
			return n, err
		}
		if b == nil {
			break
		}
		off := c.pos - idx*bs
		if c.size >= 0 {
			c.mu.Lock()
			if want := min(bs, c.size-idx*bs); int64(len(b.data)) < want {
				prev := len(b.data)
				b.data = b.data[:want]
				clear(b.data[prev:])
			}
			c.mu.Unlock()
		}
		if off >= int64(len(b.data)) {
			break
		}
		k := copy(p[n:n+int(end-c.pos)], b.data[off:])
		n += k
		c.pos += int64(k)
	}
	if n < len(p) {
		c.eof = true
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// writableBlock returns block index, loading its current content or creating
// it empty when it lies past the end.
func (c *BlockCache) writableBlock(index int64) (*block, error) {
	if b := c.lookup(index); b != nil {
		return b, nil
	}
	if c.size < 0 || index*int64(c.cfg.BlockSize) < c.size {
		if err := c.load(index, 1); err != nil {
			return nil, err
		}
		c.mu.Lock()
		elem, ok := c.blocks[index]
		c.mu.Unlock()
		if ok {
			return elem.Value.(*block), nil
		}
	}
	b := &block{index: index, data: make([]byte, 0, c.cfg.BlockSize)}
	if err := c.admit(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *BlockCache) Write(p []byte) (int, error) {
	bs := int64(c.cfg.BlockSize)
	n := 0
	for n < len(p) {
		idx := c.pos / bs
		off := int(c.pos - idx*bs)
		b, err := c.writableBlock(idx)
		if err != nil {
			return n, err
		}
		k := min(c.cfg.BlockSize-off, len(p)-n)
		c.mu.Lock()
		if need := off + k; need > len(b.data) {
			prev := len(b.data)
			b.data = b.data[:need]
			clear(b.data[prev:])
		}
		copy(b.data[off:], p[n:n+k])
		b.dirty = true
		c.mu.Unlock()
		n += k
		c.pos += int64(k)
		if c.size >= 0 && c.pos > c.size {
			c.size = c.pos
		}
	}
	return n, nil
}

func (c *BlockCache) writeBack(blocks []*block) error {
	bs := int64(c.cfg.BlockSize)
	for _, b := range blocks {
		if _, err := c.base.Seek(b.index*bs, io.SeekStart); err != nil {
			return fmt.Errorf("seeking to dirty block %d: %w", b.index, err)
		}
		if _, err := c.base.Write(b.data); err != nil {
			return fmt.Errorf("writing back block %d: %w", b.index, err)
		}
		c.mu.Lock()
		b.dirty = false
		c.stats.Writebacks++
		c.mu.Unlock()
	}
	return nil
}

func (c *BlockCache) dirtyBlocks() []*block {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dirty []*block
	for _, elem := range c.blocks {
		if b := elem.Value.(*block); b.dirty {
			dirty = append(dirty, b)
		}
	}
	slices.SortFunc(dirty, func(a, b *block) int {
		switch {
		case a.index < b.index:
			return -1
		case a.index > b.index:
			return 1
		}
		return 0
	})
	return dirty
}

// Flush writes every dirty block back to the base.
func (c *BlockCache) Flush() error {
	if err := c.writeBack(c.dirtyBlocks()); err != nil {
		return err
	}
	return c.base.Flush()
}

func (c *BlockCache) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = c.Size(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(c.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	c.pos, c.eof = pos, false
	return pos, nil
}

// Size returns the logical size including unflushed writes.
func (c *BlockCache) Size() (int64, error) {
	if c.size >= 0 {
		return c.size, nil
	}
	n, err := vfscache.Size(c.base)
	if err != nil {
		return 0, err
	}
	c.size = n
	return n, nil
}

// Truncate flushes dirty blocks, drops the cache and truncates the base.
func (c *BlockCache) Truncate(size int64) error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.mu.Lock()
	c.lru.Init()
	clear(c.blocks)
	c.mu.Unlock()
	if err := c.base.Truncate(size); err != nil {
		return err
	}
	c.size = size
	return nil
}

func (c *BlockCache) Tell() int64 { return c.pos }

func (c *BlockCache) EOF() bool { return c.eof }

// Close flushes dirty blocks and closes the base.
func (c *BlockCache) Close() error {
	flushErr := c.writeBack(c.dirtyBlocks())
	return errors.Join(flushErr, c.base.Close())
}

var (
	_ vfscache.Handle = (*BlockCache)(nil)
	_ vfscache.Sizer  = (*BlockCache)(nil)
)
