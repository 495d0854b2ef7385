package paging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// Region is a range of demand-paged memory.
type Region struct {
	m      *Manager
	cfg    RegionConfig
	logger *slog.Logger

	reservation []byte
	full        []byte // whole pages
	mem         []byte // cfg.Size bytes of full
	base        uintptr
	pageSize    int
	npages      int

	// file regions map a file directly and never fault.
	file bool

	// gate is held shared while memory is accessed and exclusively while a
	// page is evicted, or installed on platforms without atomic install.
	gate sync.RWMutex

	// mu guards the fields below. Only the worker changes them.
	mu       sync.Mutex
	resident bitmap
	writable bitmap
	ring     *pageRing
	stats    Stats
	closed   bool

	// Owned by the worker.
	lastPage int
	retries  int
}

// Size returns the logical size of the region.
func (r *Region) Size() int64 { return r.cfg.Size }

// PageSize returns the page size chosen for the region.
func (r *Region) PageSize() int { return r.pageSize }

// Capacity returns how many pages stay resident at once.
func (r *Region) Capacity() int {
	if r.file {
		return r.npages
	}
	return len(r.ring.pages)
}

// Mode returns the region's access mode.
func (r *Region) Mode() AccessMode { return r.cfg.Mode }

// Stats returns a snapshot of the region's counters.
func (r *Region) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	if !r.file {
		s.Resident = r.ring.len()
	}
	return s
}

func (r *Region) page(i int) []byte {
	return r.full[i*r.pageSize : (i+1)*r.pageSize]
}

// extent returns the offset of page i and its length within the region.
func (r *Region) extent(i int) (int64, int) {
	off := int64(i) * int64(r.pageSize)
	return off, int(min(int64(r.pageSize), r.cfg.Size-off))
}

func (r *Region) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Pin makes the pages covering [off, off+length) resident, writable when
// write is set. Only the last Capacity pages are guaranteed to remain so.
func (r *Region) Pin(off, length int64, write bool) error {
	if write && r.cfg.Mode != ReadWrite {
		return fmt.Errorf("pinning %s region for writing: %w", r.cfg.Mode, vfscache.ErrNotSupported)
	}
	if off < 0 || length < 0 || off+length > r.cfg.Size {
		return fmt.Errorf("pin range %d+%d outside region of %d bytes: %w", off, length, r.cfg.Size, vfscache.ErrBadParameter)
	}
	if length == 0 || r.file {
		return nil
	}
	op := OpLoad
	if write {
		op = OpStore
	}
	ps := int64(r.pageSize)
	for i := int(off / ps); i <= int((off+length-1)/ps); i++ {
		if err := r.pin(i, op); err != nil {
			return err
		}
	}
	return nil
}

func (r *Region) pin(i int, op Op) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return vfscache.ErrClosed
	}
	ready := r.resident.test(i) && (op != OpStore || r.writable.test(i))
	r.mu.Unlock()
	if ready {
		return nil
	}
	return r.m.submit(request{kind: reqPin, region: r, page: i, op: op})
}

// access runs fn on page i once it is resident with the rights op needs.
func (r *Region) access(i int, op Op, fn func(page []byte)) error {
	for attempt := 0; ; attempt++ {
		if err := r.pin(i, op); err != nil {
			return err
		}
		r.gate.RLock()
		r.mu.Lock()
		ready := !r.closed && r.resident.test(i) && (op != OpStore || r.writable.test(i))
		closed := r.closed
		r.mu.Unlock()
		if ready {
			fn(r.page(i))
			r.gate.RUnlock()
			return nil
		}
		r.gate.RUnlock()
		if closed {
			return vfscache.ErrClosed
		}
		if attempt >= maxRetries {
			return fmt.Errorf("page %d evicted %d times before it could be read: %w", i, attempt, vfscache.ErrConcurrency)
		}
	}
}

// ReadAt copies region content into p without relying on faults.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read offset %d: %w", off, vfscache.ErrBadParameter)
	}
	if off >= r.cfg.Size {
		return 0, io.EOF
	}
	want := int(min(int64(len(p)), r.cfg.Size-off))
	if r.file {
		if r.isClosed() {
			return 0, vfscache.ErrClosed
		}
		copy(p[:want], r.mem[off:])
	} else {
		if err := r.span(p[:want], off, OpLoad); err != nil {
			return 0, err
		}
	}
	if want < len(p) {
		return want, io.EOF
	}
	return want, nil
}

// WriteAt copies p into the region. The region must be ReadWrite.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if r.cfg.Mode != ReadWrite {
		return 0, fmt.Errorf("writing %s region: %w", r.cfg.Mode, vfscache.ErrNotSupported)
	}
	if off < 0 || off+int64(len(p)) > r.cfg.Size {
		return 0, fmt.Errorf("write range %d+%d outside region of %d bytes: %w", off, len(p), r.cfg.Size, vfscache.ErrBadParameter)
	}
	if r.file {
		if r.isClosed() {
			return 0, vfscache.ErrClosed
		}
		return copy(r.mem[off:], p), nil
	}
	if err := r.span(p, off, OpStore); err != nil {
		return 0, err
	}
	return len(p), nil
}

// span copies between p and the region one page at a time.
func (r *Region) span(p []byte, off int64, op Op) error {
	ps := int64(r.pageSize)
	for n := 0; n < len(p); {
		pos := off + int64(n)
		i := int(pos / ps)
		po := int(pos - int64(i)*ps)
		chunk := min(len(p)-n, r.pageSize-po)
		dst := p[n : n+chunk]
		err := r.access(i, op, func(page []byte) {
			if op == OpStore {
				copy(page[po:], dst)
			} else {
				copy(dst, page[po:])
			}
		})
		if err != nil {
			return err
		}
		n += chunk
	}
	return nil
}

// Close writes back every page that was stored to and releases the
// address space. Closing twice returns ErrClosed.
func (r *Region) Close() error {
	if r.file {
		return r.closeFile()
	}
	return r.m.submit(request{kind: reqClose, region: r})
}

// service handles a fault or pin on page i. It runs on the worker.
func (r *Region) service(i int, op Op, fault bool) error {
	if r.closed {
		return vfscache.ErrClosed
	}
	if i < 0 || i >= r.npages {
		return fmt.Errorf("page %d outside region: %w", i, vfscache.ErrBadParameter)
	}
	ctx := r.m.ctx
	kind := "pin"
	if fault {
		kind = op.String()
		if i == r.lastPage {
			r.retries++
		} else {
			r.lastPage, r.retries = i, 0
		}
		if r.retries >= maxRetries {
			telemetry.RecordPageFault(ctx, kind, "rejected")
			return fmt.Errorf("page %d faulted %d times in a row, store into a %s region?: %w",
				i, r.retries, r.cfg.Mode, vfscache.ErrConcurrency)
		}
	}

	r.mu.Lock()
	if fault {
		r.stats.Faults++
	} else {
		r.stats.Pins++
	}
	resident, writable := r.resident.test(i), r.writable.test(i)
	r.mu.Unlock()

	if resident {
		// A resident page faults again only when it is stored to through a
		// read-only mapping, or when another goroutine raced the same fill.
		upgrade := r.cfg.Mode == ReadWrite && !writable &&
			(op == OpStore || (fault && (op == OpUnknown || r.retries > 0)))
		if !upgrade {
			telemetry.RecordPageFault(ctx, kind, "resident")
			return nil
		}
		if err := r.m.plat.protect(r.page(i), protReadWrite); err != nil {
			telemetry.RecordPageFault(ctx, kind, "error")
			return err
		}
		r.mu.Lock()
		r.writable.set(i)
		r.stats.Upgrades++
		r.mu.Unlock()
		telemetry.RecordPageFault(ctx, kind, "upgraded")
		return nil
	}

	if err := r.fill(i, op); err != nil {
		telemetry.RecordPageFault(ctx, kind, "error")
		return err
	}
	telemetry.RecordPageFault(ctx, kind, "filled")
	return nil
}

// fill maps page i, evicting the oldest resident page if the ring is full.
// A write-back failure is returned after the new page is in place.
func (r *Region) fill(i int, op Op) error {
	plat := r.m.plat
	var evictErr error
	if r.ring.full() {
		evictErr = r.evict(r.ring.pop())
	}

	off, n := r.extent(i)
	buf, err := plat.scratch(r.pageSize)
	if err != nil {
		return errors.Join(err, evictErr)
	}
	start := time.Now()
	if err := r.cfg.Fill(off, buf[:n]); err != nil {
		plat.dropScratch(buf)
		return errors.Join(fmt.Errorf("filling page at %d: %w", off, err), evictErr)
	}

	writable := op == OpStore && r.cfg.Mode == ReadWrite
	prot := protRead
	if writable || r.cfg.Mode == ReadOnly {
		prot = protReadWrite
	}
	if !plat.atomic() {
		r.gate.Lock()
	}
	err = plat.install(r.page(i), buf, prot)
	if !plat.atomic() {
		r.gate.Unlock()
	}
	if err != nil {
		return errors.Join(fmt.Errorf("installing page at %d: %w", off, err), evictErr)
	}

	r.mu.Lock()
	r.resident.set(i)
	if writable {
		r.writable.set(i)
	}
	r.ring.push(i)
	r.stats.Fills++
	resident := r.ring.len()
	r.mu.Unlock()

	telemetry.RecordPageFill(r.m.ctx, writable, time.Since(start))
	telemetry.UpdatePagesResident(r.m.ctx, resident)
	return evictErr
}

// evict drops page i, first handing it to the EvictFunc if it was stored to.
// The page is dropped even if the write-back fails.
func (r *Region) evict(i int) error {
	off, n := r.extent(i)
	dirty := r.cfg.Mode == ReadWrite && r.writable.test(i)

	r.gate.Lock()
	var werr error
	if dirty && r.cfg.Evict != nil {
		werr = r.cfg.Evict(off, r.page(i)[:n])
	}
	derr := r.m.plat.discard(r.page(i))
	r.gate.Unlock()

	r.mu.Lock()
	r.resident.clear(i)
	r.writable.clear(i)
	r.stats.Evictions++
	if dirty && r.cfg.Evict != nil {
		r.stats.Evicted++
	}
	r.mu.Unlock()
	telemetry.RecordPageEvict(r.m.ctx, dirty)

	if werr != nil {
		r.logger.Error("writing back evicted page", "offset", off, "error", werr)
		return fmt.Errorf("writing back page at %d: %w", off, werr)
	}
	return derr
}

// release writes back dirty pages and unmaps the region. It runs on the
// worker.
func (r *Region) release() error {
	if r.closed {
		return vfscache.ErrClosed
	}
	var errs []error
	r.gate.Lock()
	if r.cfg.Mode == ReadWrite && r.cfg.Evict != nil {
		r.ring.each(func(i int) {
			if !r.writable.test(i) {
				return
			}
			off, n := r.extent(i)
			if err := r.cfg.Evict(off, r.page(i)[:n]); err != nil {
				errs = append(errs, fmt.Errorf("writing back page at %d: %w", off, err))
				return
			}
			r.mu.Lock()
			r.stats.Evicted++
			r.mu.Unlock()
		})
	}
	if err := r.m.plat.release(r.reservation); err != nil {
		errs = append(errs, err)
	}
	r.gate.Unlock()

	r.mu.Lock()
	r.closed = true
	r.ring.reset()
	r.mu.Unlock()
	r.m.remove(r)
	telemetry.UpdatePagesResident(r.m.ctx, 0)
	r.logger.Debug("region released", "fills", r.stats.Fills, "evictions", r.stats.Evictions)
	return errors.Join(errs...)
}
