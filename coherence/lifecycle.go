package coherence

import (
	"context"
	"fmt"
	"os"

	"github.com/hanwen/uvmc/alloc"
	"github.com/hanwen/uvmc/devicebackend"
	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/platform"
	"github.com/hanwen/uvmc/region"
)

// Option configures Init. Options exist so a caller (or a test) can
// substitute the device backend, platform threads, or fault transport
// collaborators spec.md treats as out-of-core (section 1 a-c); the
// engine never constructs a concrete implementation of these except
// as a default.
type Option func(*Engine)

// WithBackend overrides the device backend (default: an SHMBackend).
func WithBackend(b devicebackend.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithThreads overrides the platform threads capability (default:
// platform.New(), which is the /proc-enumeration implementation on
// linux and an in-process registry elsewhere).
func WithThreads(t platform.Threads) Option {
	return func(e *Engine) { e.threads = t }
}

// WithFaultSource overrides the page-fault transport (default: the
// userfaultfd source on linux; callers on other platforms, and all
// tests, must supply one explicitly, e.g. fake.New()).
func WithFaultSource(s fault.Source) Option {
	return func(e *Engine) { e.faults = s }
}

// WithPageSize overrides the page size the engine assumes for region
// rounding (default: the OS page size). Intended for tests that
// exercise region arithmetic without real pages.
func WithPageSize(n uintptr) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithArenaKeepPages overrides the separate allocator's block
// threshold: a block that becomes fully free is returned to the OS
// while the allocator holds more than n blocks.
func WithArenaKeepPages(n int) Option {
	return func(e *Engine) { e.arenaKeepPages = n }
}

// PreInit implements spec.md section 4.9's pre_init lifecycle step.
// The application calls PreInit(Before), then brings up its own
// device runtime, then calls PreInit(After); the thread-set
// difference becomes the "immune" set that stop-the-world must never
// suspend (section 4.8), since stopping the device runtime's own
// worker threads would deadlock the engine the next time it calls
// into the device backend.
func (e *Engine) PreInit(phase Phase) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return ESTATE
	}

	threads := e.threads
	if threads == nil {
		threads = platform.New()
	}

	switch phase {
	case Before:
		if e.before != nil {
			return ETWICE
		}
		snap, err := threads.Snapshot()
		if err != nil {
			return ERROR
		}
		e.before = snap
		e.threads = threads
		return OK
	case After:
		if e.before == nil {
			return ESTATE
		}
		snap, err := threads.Snapshot()
		if err != nil {
			return ERROR
		}
		e.immune = e.before.Diff(snap)
		return OK
	default:
		return EARG
	}
}

// Init implements spec.md section 4.9's init step: allocator bring-up,
// device-backend selection, fault-transport install, statistics init,
// worker bring-up. Init does not return until every worker has posted
// its init-complete signal and joined the immune set.
func (e *Engine) Init(ndevs int, flags InitFlags, opts ...Option) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return ETWICE
	}
	api := flags & (FlagOpenCL | FlagCUDA)
	if api == 0 || api == FlagOpenCL|FlagCUDA {
		return EAPI
	}
	if ndevs <= 0 || ndevs > 63 {
		// 63, not 64: device bit 63 is reserved so ActualDevices'
		// int32 ActualPrimaryDevice sentinel NoDevice (-1) never
		// aliases a real bit position under sign conversion.
		return EARG
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.pageSize == 0 {
		e.pageSize = uintptr(os.Getpagesize())
	}
	if e.pageSize == 0 || e.pageSize&(e.pageSize-1) != 0 {
		return EARG
	}
	if e.backend == nil {
		e.backend = devicebackend.NewSHMBackend()
	}
	if e.threads == nil {
		e.threads = platform.New()
	}
	if e.faults == nil {
		e.faults = defaultFaultSource()
		if e.faults == nil {
			// No fault transport available for this build and none
			// injected.
			return EAPI
		}
	}

	e.flags = flags
	e.arena = alloc.New(int(e.pageSize), e.arenaKeepPages)
	e.store = region.New()
	e.ndevs = ndevs
	if e.immune == nil {
		e.immune = make(platform.ThreadSet)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.unprotQ = newUnprotQueue()
	e.syncQ = newSyncQueue()

	if err := e.startWorkers(); err != nil {
		e.runCancel()
		return ERROR
	}

	e.initialized = true
	e.debugf("init complete: ndevs=%d pageSize=%d flags=%#x", ndevs, e.pageSize, flags)
	return OK
}

// Close settles every still-protected region back to host, then
// drains and stops the worker pipeline stage by stage, implementing
// spec.md section 4.9's teardown ("each worker's quit message drains
// its queue and exits"). Grounded on fuse.Server.Unmount waiting on
// ms.loops before tearing the connection down.
func (e *Engine) Close() Status {
	e.mu.Lock()
	if !e.initialized || e.closed {
		e.mu.Unlock()
		return ESTATE
	}
	e.closed = true

	var regions []*model.Region
	e.store.Walk(func(r *model.Region) { regions = append(regions, r) })
	for _, reg := range regions {
		if reg.Prot() == model.ProtReadWrite {
			continue
		}
		if err := e.settleRegionLocked(reg); err != nil {
			e.debugf("close: settle %v: %v", reg.Range, err)
		}
	}
	e.mu.Unlock()

	// Stop the pipeline front to back so no stage pushes into a
	// closed queue: transport and dispatcher first, then the unprot
	// worker, then the sync worker.
	e.faults.Close()
	e.wgTransport.Wait()
	e.wgDispatch.Wait()
	e.unprotQ.Close()
	e.wgUnprot.Wait()
	e.syncQ.Close()
	e.wgSync.Wait()
	e.runCancel()

	if e.arena != nil {
		e.arena.Close()
	}
	return OK
}

// Stat implements spec.md section 6's stat(parameter, out).
func (e *Engine) Stat(p StatParam, out *int64) Status {
	if out == nil {
		return ENULL
	}
	e.mu.RLock()
	statEnabled := e.flags&FlagStat != 0
	e.mu.RUnlock()
	if !statEnabled {
		return ESTATE
	}
	v, ok := e.stats.Get(p)
	if !ok {
		return EARG
	}
	*out = v
	return OK
}

// DebugData returns a human-readable snapshot of internal state,
// grounded on fuse.Server.DebugData.
func (e *Engine) DebugData() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	nArrays := len(e.arrays.arrays)
	nRegions := 0
	if e.store != nil {
		e.store.Walk(func(*model.Region) { nRegions++ })
	}
	blocks, live := 0, 0
	if e.arena != nil {
		blocks, live = e.arena.Stats()
	}
	return fmt.Sprintf("coherence.Engine{arrays=%d regions=%d arenaBlocks=%d arenaLiveBytes=%d initialized=%v}",
		nArrays, nRegions, blocks, live, e.initialized)
}
