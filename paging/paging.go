// Package paging maps byte ranges into memory whose pages are filled on
// first touch and written back when evicted.
//
// A Region reserves address space with no access rights. Touching a page
// inside Region.Do faults; the fault is recovered, one worker goroutine per
// Manager fills the page through the region's FillFunc and maps it, and the
// function passed to Do runs again. Resident pages are kept in a bounded
// ring: when it is full the oldest page is dropped, and a page of a writable
// region that was stored to is first handed to the EvictFunc.
//
// Because a faulting function is restarted rather than resumed, the function
// given to Do must be safe to run again from the start and should touch no
// more pages than the region keeps resident. Pin, ReadAt and WriteAt
// materialise pages explicitly and never rely on a fault; on platforms
// without memory protection they are the only access path.
package paging

import (
	"fmt"
	"log/slog"

	vfscache "github.com/wolfeidau/vfs-cache"
)

const (
	// DefaultPageSize is used when no page size hint is given.
	DefaultPageSize = 64 * 1024

	// MaxPageSize bounds page size hints.
	MaxPageSize = 32 * 1024 * 1024

	// maxRetries is how many successive faults on one page are tolerated
	// before the access is treated as a protection mismatch, such as a store
	// into a read-only mapping.
	maxRetries = 16
)

// ErrTransparentUnavailable is returned by Do where the platform cannot trap
// page faults. Pin, ReadAt and WriteAt still work.
var ErrTransparentUnavailable = fmt.Errorf("transparent paging unavailable on this platform: %w", vfscache.ErrNotSupported)

// AccessMode controls what a region allows.
type AccessMode int

const (
	// ReadOnly pages are mapped writable, but stores are never written back.
	ReadOnly AccessMode = iota

	// ReadOnlyEnforced pages are mapped read-only; a store fails.
	ReadOnlyEnforced

	// ReadWrite pages become writable on the first store and are passed to
	// the EvictFunc before being dropped.
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadOnlyEnforced:
		return "read-only-enforced"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// Op classifies the memory access that faulted.
type Op int

const (
	OpUnknown Op = iota
	OpLoad
	OpStore
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	default:
		return "unknown"
	}
}

// FillFunc fills page with the content at offset. page is at most one page
// long and shorter for the last page of a region; bytes past it read as zero.
type FillFunc func(offset int64, page []byte) error

// EvictFunc receives a page that was stored to before it is dropped.
type EvictFunc func(offset int64, page []byte) error

// RegionConfig configures a Region.
type RegionConfig struct {
	// Size is the logical size of the region in bytes.
	Size int64

	// CacheSize is the resident budget in bytes, the manager's default when
	// zero. It is clamped to Size and rounded up to whole pages, plus one
	// page so that an instruction spanning two pages can always complete.
	CacheSize int64

	// PageSize is a hint. It is rounded to a power of two multiple of the
	// system page size, and doubled when the resident budget would exceed
	// the platform's mapping limit (default 64KB).
	PageSize int

	Mode  AccessMode
	Fill  FillFunc
	Evict EvictFunc

	Logger *slog.Logger
}

// Stats reports region activity.
type Stats struct {
	Faults    int64
	Pins      int64
	Fills     int64
	Upgrades  int64
	Evictions int64
	Evicted   int64 // evictions that called the EvictFunc
	Resident  int
}

// resolvePageSize applies the page size hint rules.
func resolvePageSize(hint, sysPage int) int {
	ps := DefaultPageSize
	if hint >= sysPage && hint <= MaxPageSize {
		if hint%sysPage == 0 {
			ps = hint
		} else {
			ps = 1
			for ps < hint {
				ps <<= 1
			}
		}
	}
	if ps%sysPage != 0 {
		ps = sysPage
	}
	return ps
}

// capacityPages returns how many pages a cache budget keeps resident.
func capacityPages(cacheSize, size int64, pageSize int) int {
	switch {
	case cacheSize > size:
		cacheSize = size
	case cacheSize <= 0:
		cacheSize = 1
	}
	ps := int64(pageSize)
	return int((cacheSize + 2*ps - 1) / ps)
}
