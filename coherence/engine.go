package coherence

import (
	"context"
	"log"
	"runtime"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hanwen/uvmc/alloc"
	"github.com/hanwen/uvmc/devicebackend"
	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/platform"
	"github.com/hanwen/uvmc/region"
	"github.com/hanwen/uvmc/stats"
	"github.com/hanwen/uvmc/worker"
)

// InitFlags is the option bitset spec.md section 6 passes to Init.
type InitFlags uint32

const (
	// FlagOpenCL and FlagCUDA select which device API the backend
	// shim speaks. Exactly one is required; the shim itself is
	// injected with WithBackend (or defaults to the SHM stand-in),
	// but the selection is still validated so an application built
	// against the wrong API fails at Init rather than at first copy.
	FlagOpenCL InitFlags = 1 << iota
	FlagCUDA
	// FlagStat enables runtime statistics collection. Counters are
	// always maintained internally (they are cheap atomics); the flag
	// only gates whether Stat() answers queries versus returning
	// ESTATE, mirroring the source's STAT option.
	FlagStat
	// FlagWriterSigBlock blocks the platform's suspension signals on
	// the current OS thread for the duration of a writer section
	// (spec.md section 4.6).
	FlagWriterSigBlock
	// FlagUnlinkNoSyncBack skips Unlink's pre-pass that flushes device
	// state back to host before tearing down a HostArray.
	FlagUnlinkNoSyncBack
)

// Phase identifies which half of the pre_init snapshot spec.md section
// 4.9/4.8 is being taken.
type Phase int

const (
	Before Phase = iota
	After
)

// Engine is the process-wide coherence engine handle. Spec.md's design
// notes call out "avoid hidden singletons that complicate testing":
// New returns an *Engine that owns every piece of mutable state: no
// package-level variable holds engine data, so a test (or an
// application linking more than one accelerator context) can run
// multiple independent Engines side by side.
type Engine struct {
	// Debug gates log.Printf calls exactly the way fuse.Server.debug /
	// fuse.FileSystemConnector.Debug gate go-fuse's logging: a plain
	// bool field, no structured logging library.
	Debug bool

	pageSize       uintptr
	flags          InitFlags
	ndevs          int
	arenaKeepPages int

	mu sync.RWMutex

	arena   *alloc.Arena
	store   *region.Store
	arrays  arrayIndex
	backend devicebackend.Backend
	threads platform.Threads
	faults  fault.Source
	stats   stats.Counters

	threadGates map[platform.ThreadID]*platform.ThreadGate
	gatesMu     sync.Mutex

	before   platform.ThreadSet
	immune   platform.ThreadSet
	immuneMu sync.Mutex

	unprotQ *worker.Queue[unprotectMsg]
	syncQ   *worker.Queue[syncMsg]

	// groupMu guards the bookkeeping the unprot and sync workers share
	// about in-flight fault groups (spec.md section 4.7/4.8): which
	// regions are mid-settle, which faulting addresses are waiting on
	// each, and the stop-the-world resume func for the whole episode.
	groupMu        sync.Mutex
	pendingRegions map[*model.Region]*pendingGroup
	stwResume      func()

	// settleGroup collapses concurrent settles of the same region
	// (sync worker racing a kernel_begin or unlink touch pass) into
	// one device->host pass.
	settleGroup singleflight.Group

	runCtx    context.Context
	runCancel context.CancelFunc

	// One WaitGroup per pipeline stage so Close can drain the stages
	// in order: transport, dispatcher, unprot worker, sync worker.
	wgTransport sync.WaitGroup
	wgDispatch  sync.WaitGroup
	wgUnprot    sync.WaitGroup
	wgSync      sync.WaitGroup

	initialized bool
	closed      bool
}

// pendingGroup tracks the faulting addresses waiting on one region's
// device->host settle to complete.
type pendingGroup struct {
	waiters []uintptr
}

// New returns an unconfigured Engine. Call PreInit(Before), then bring
// up the device runtime, then PreInit(After), then Init.
func New() *Engine {
	return &Engine{
		threadGates:    make(map[platform.ThreadID]*platform.ThreadGate),
		pendingRegions: make(map[*model.Region]*pendingGroup),
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.Debug {
		log.Printf("coherence: "+format, args...)
	}
}

// writerLock acquires the engine's writer lock, applying the
// WRITER_SIG_BLOCK discipline first when configured: the OS thread is
// pinned and the platform's suspension signals are masked for the
// duration of the section, so a thread holding the writer lock cannot
// be diverted into a suspension handler (spec.md section 4.6). The
// returned func releases everything in reverse order.
func (e *Engine) writerLock() func() {
	if e.flags&FlagWriterSigBlock != 0 {
		runtime.LockOSThread()
		restore := platform.MaskSuspendSignals()
		e.mu.Lock()
		return func() {
			e.mu.Unlock()
			restore()
			runtime.UnlockOSThread()
		}
	}
	e.mu.Lock()
	return e.mu.Unlock
}
