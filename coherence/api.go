package coherence

import (
	"context"
	"time"

	"github.com/hanwen/uvmc/devicebackend"
	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/rangeaddr"
	"github.com/hanwen/uvmc/stats"
)

// LinkFlags selects Link's initial-location behavior.
type LinkFlags uint32

const (
	// LinkOnHost declares the range's current valid image lives in
	// host memory (the default: newly allocated subregions already
	// start host-actual).
	LinkOnHost LinkFlags = 0
	// LinkOnDevice declares the range's current valid image lives
	// only in buf: the engine marks every subregion device-actual and
	// protects the region so the first host touch forces a
	// device->host settle, exactly as a fault would.
	LinkOnDevice LinkFlags = 1 << 0
)

// AllDevices asks Unlink to drop every link of the covering array.
const AllDevices = -1

// safepoint registers the calling goroutine with the stop-the-world
// bookkeeping for the duration of one public operation and blocks if
// a suspend is already pending. The returned func must be deferred.
func (e *Engine) safepoint(ctx context.Context) (func(), Status) {
	e.mu.RLock()
	threads := e.threads
	e.mu.RUnlock()
	if threads == nil {
		return func() {}, ESTATE
	}

	gate, unregister, err := threads.Register()
	if err != nil {
		return func() {}, ERROR
	}
	id := threads.Self()
	e.gatesMu.Lock()
	e.threadGates[id] = gate
	e.gatesMu.Unlock()

	if err := gate.Wait(ctx); err != nil {
		e.gatesMu.Lock()
		delete(e.threadGates, id)
		e.gatesMu.Unlock()
		unregister()
		return func() {}, ERROR
	}
	return func() {
		e.gatesMu.Lock()
		delete(e.threadGates, id)
		e.gatesMu.Unlock()
		unregister()
	}, OK
}

// Link registers [hostPtr, hostPtr+n) as a HostArray and binds it to
// buf on device dev, implementing spec.md section 4.4's link
// operation: split into page-bounded subregions (creating or joining
// their covering Regions), reject an overlapping-but-unequal existing
// range, and reject a second link to a device already linked.
func (e *Engine) Link(ctx context.Context, hostPtr uintptr, n uintptr, dev int, buf devicebackend.Buffer, flags LinkFlags) Status {
	if hostPtr == 0 || buf == nil {
		return ENULL
	}
	if n == 0 {
		return EARG
	}
	done, st := e.safepoint(ctx)
	defer done()
	if !st.Ok() {
		return st
	}

	defer e.writerLock()()
	if !e.initialized {
		return ESTATE
	}
	if dev < 0 || dev >= e.ndevs {
		return EARG
	}

	r := rangeaddr.New(hostPtr, n)
	if existing := e.arrays.findIntersecting(r); existing != nil {
		return ERANGE
	}

	array := e.arrays.findExact(r)
	isNew := array == nil
	if isNew {
		var err error
		array, err = e.allocateHostArray(r)
		if err != nil {
			return EALLOC
		}
	} else if flags&LinkOnDevice != 0 {
		// Location ON_DEVICE only makes sense for a freshly allocated
		// array: an existing array already has an established host or
		// device image that ON_DEVICE would silently discard.
		return EARG
	}

	if array.Link(dev) != nil {
		return ELINK
	}
	array.AddLink(dev, buf)

	if flags&LinkOnDevice != 0 {
		touched := make(map[*model.Region]bool)
		for _, s := range array.Subregions() {
			s.Region.Lock()
			s.SetActualHost(false)
			s.SetActualDevices(1 << uint(dev))
			s.SetActualPrimaryDevice(dev)
			s.Region.Unlock()
			touched[s.Region] = true
		}
		for reg := range touched {
			if err := e.applyProtection(reg, model.ProtNone); err != nil {
				return EPROT
			}
		}
	}

	if isNew {
		e.arrays.insert(array)
		e.stats.Add(stats.ParamHostArrays, 1)
	}
	return OK
}

// Unlink implements spec.md section 4.4's unlink operation: unless
// FlagUnlinkNoSyncBack was passed to Init, it first settles every
// region of the array (flushing device state back to host) under the
// reader lock, then tears down the link - and the array, and any
// Region left empty - under the writer lock. dev may be AllDevices
// to drop every link at once, as the original interface allows.
func (e *Engine) Unlink(ctx context.Context, hostPtr uintptr, dev int) Status {
	if hostPtr == 0 {
		return ENULL
	}
	done, st := e.safepoint(ctx)
	defer done()
	if !st.Ok() {
		return st
	}

	if e.flags&FlagUnlinkNoSyncBack == 0 {
		e.mu.RLock()
		array := e.arrays.findContaining(hostPtr)
		if array == nil {
			e.mu.RUnlock()
			return EHOSTPTR
		}
		if dev != AllDevices && array.Link(dev) == nil {
			e.mu.RUnlock()
			return ENOLINK
		}
		for _, s := range array.Subregions() {
			if s.Region.Prot() == model.ProtReadWrite {
				continue
			}
			if err := e.settleRegionLocked(s.Region); err != nil {
				e.mu.RUnlock()
				return EPROT
			}
		}
		e.mu.RUnlock()
	}

	defer e.writerLock()()
	array := e.arrays.findContaining(hostPtr)
	if array == nil {
		return EHOSTPTR
	}

	devs := []int{dev}
	if dev == AllDevices {
		devs = array.LinkedDevices()
	}
	for _, d := range devs {
		link := array.Link(d)
		if link == nil {
			return ENOLINK
		}
		e.backend.Free(d, link.Buffer)
		array.RemoveLink(d)
	}
	if !array.HasLinks() {
		e.freeHostArrayLocked(array)
		e.arrays.remove(array)
		e.stats.Add(stats.ParamHostArrays, -1)
	}
	return OK
}

// Translate implements spec.md section 4.4's translate operation: it
// returns the device buffer handle bound to hostPtr on dev, with no
// actuality requirement of its own (the caller's own kernel_begin call
// is what establishes a current image).
func (e *Engine) Translate(ctx context.Context, hostPtr uintptr, dev int) (devicebackend.Buffer, Status) {
	done, st := e.safepoint(ctx)
	defer done()
	if !st.Ok() {
		return nil, st
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	array := e.arrays.findContaining(hostPtr)
	if array == nil {
		return nil, EHOSTPTR
	}
	link := array.Link(dev)
	if link == nil {
		return nil, ENOLINK
	}
	return link.Buffer, OK
}

// KernelBegin implements spec.md section 4.4's kernel_begin operation:
// for every subregion of the array covering hostPtr, ensure dev holds
// a current image (settling the covering region and copying
// host->device if it does not already) and record the declared usage
// mode.
func (e *Engine) KernelBegin(ctx context.Context, hostPtr uintptr, dev int, mode model.UsageMode) Status {
	if mode != model.UsageReadOnly && mode != model.UsageReadWrite {
		return EARG
	}
	done, st := e.safepoint(ctx)
	defer done()
	if !st.Ok() {
		return st
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return ESTATE
	}
	array := e.arrays.findContaining(hostPtr)
	if array == nil {
		return EHOSTPTR
	}
	link := array.Link(dev)
	if link == nil {
		return ENOLINK
	}

	for _, s := range array.Subregions() {
		if !s.HasDevice(dev) {
			// The spec's "touch the first byte" step: force any
			// protection-induced device->host copy to settle before
			// reading host bytes for the upload.
			if s.Region.Prot() != model.ProtReadWrite {
				if err := e.settleRegionLocked(s.Region); err != nil {
					return EPROT
				}
			}
			r := s.Range()
			start := time.Now()
			if err := e.backend.CopyHostToDevice(ctx, dev, link.Buffer, r.Start-array.Range.Start, hostBytes(r)); err != nil {
				return EDEVALLOC
			}
			e.stats.Add(stats.ParamHostToDeviceCopies, 1)
			e.stats.Add(stats.ParamBytesCopied, int64(r.Len()))
			e.stats.Add(stats.ParamCopyNanos, time.Since(start).Nanoseconds())
			s.Region.Lock()
			s.SetDevice(dev)
			s.Region.Unlock()
		}
		s.Region.Lock()
		s.IncrementUsage(mode)
		s.Region.Unlock()
	}
	return OK
}

// KernelEnd implements spec.md section 4.4's kernel_end operation: for
// every subregion of the array covering hostPtr, close out the usage
// begun by the matching KernelBegin call and apply the resulting
// aggregate protection (section 4.5) to every Region the array's
// subregions belong to.
func (e *Engine) KernelEnd(ctx context.Context, hostPtr uintptr, dev int) Status {
	done, st := e.safepoint(ctx)
	defer done()
	if !st.Ok() {
		return st
	}

	defer e.writerLock()()
	array := e.arrays.findContaining(hostPtr)
	if array == nil {
		return EHOSTPTR
	}
	if array.Link(dev) == nil {
		return ENOLINK
	}

	endedModes := make(map[*model.Region]model.UsageMode)
	for _, s := range array.Subregions() {
		s.Region.Lock()
		mode := s.UsageMode()
		if mode == model.UsageReadWrite {
			s.SetActualHost(false)
			s.SetActualDevices(1 << uint(dev))
			s.SetActualPrimaryDevice(dev)
		}
		s.DecrementUsage()
		s.Region.Unlock()

		if cur, ok := endedModes[s.Region]; !ok || mode > cur {
			endedModes[s.Region] = mode
		}
	}

	for reg, ended := range endedModes {
		// Aggregate across the whole region (section 4.5): a kernel
		// still live on another subregion of the same pages keeps the
		// stricter protection.
		agg := ended
		dirty := false
		subs := reg.Subregions()
		reg.Lock()
		for _, s := range subs {
			if s.UsageCount() > 0 && s.UsageMode() > agg {
				agg = s.UsageMode()
			}
			if !s.ActualHost() {
				dirty = true
			}
		}
		reg.Unlock()

		var want model.ProtStatus
		switch agg {
		case model.UsageReadWrite:
			want = model.ProtNone
		case model.UsageReadOnly:
			want = model.ProtRead
		default:
			if dirty {
				// kernel_end without a live usage record but with
				// device-held bytes: leave the protection in place.
				continue
			}
			want = model.ProtReadWrite
		}
		if err := e.applyProtection(reg, want); err != nil {
			return EPROT
		}
	}
	return OK
}
