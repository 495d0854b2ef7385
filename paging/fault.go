package paging

import (
	"fmt"
	"runtime"
	"runtime/debug"

	vfscache "github.com/wolfeidau/vfs-cache"
)

type fault struct {
	addr uintptr
	op   Op
}

// Do runs fn with the region's memory. Each time fn touches a page that is
// not mapped, or stores to a page mapped read-only, fn is stopped, the page
// is serviced, and fn runs again from the start. fn may touch other regions
// of the same manager, but must not call Do, Pin, ReadAt, WriteAt or Close.
//
// Do returns fn's error, or the error that stopped a fault from being
// serviced. A fault outside the manager's regions panics as usual.
func (r *Region) Do(fn func(mem []byte) error) error {
	if r.file {
		if r.isClosed() {
			return vfscache.ErrClosed
		}
		return fn(r.mem)
	}
	if !r.m.plat.transparent() {
		return ErrTransparentUnavailable
	}
	limit := 2*r.Capacity() + maxRetries
	for faults := 0; ; faults++ {
		if r.isClosed() {
			return vfscache.ErrClosed
		}
		f, err := r.attempt(fn)
		if f == nil {
			return err
		}
		if faults >= limit {
			return fmt.Errorf("%d faults in one call, working set exceeds %d resident pages: %w",
				faults, r.Capacity(), vfscache.ErrResourceExhausted)
		}
		if err := r.m.submit(request{kind: reqFault, addr: f.addr, op: f.op}); err != nil {
			return err
		}
	}
}

// attempt runs fn once, turning a fault on managed memory into a fault
// record.
func (r *Region) attempt(fn func(mem []byte) error) (f *fault, err error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		addr, ok := faultAddr(p)
		if !ok || r.m.lookup(addr) == nil {
			panic(p)
		}
		f = &fault{addr: addr, op: classifyAt(faultPC())}
	}()
	return nil, fn(r.mem)
}

func faultAddr(p any) (uintptr, bool) {
	e, ok := p.(interface{ Addr() uintptr })
	if !ok {
		return 0, false
	}
	return e.Addr(), true
}

// faultPC returns the address of the instruction that faulted. It must be
// called while the fault's panic is being handled.
func faultPC() uintptr {
	pcs := make([]uintptr, 64)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(1, pcs)])
	sigpanic := false
	for {
		frame, more := frames.Next()
		if sigpanic {
			return frame.PC
		}
		sigpanic = frame.Function == "runtime.sigpanic"
		if !more {
			return 0
		}
	}
}
