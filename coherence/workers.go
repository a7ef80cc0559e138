package coherence

import (
	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/platform"
	"github.com/hanwen/uvmc/stats"
	"github.com/hanwen/uvmc/worker"
)

// unprotectMsg is posted once per fault event onto the unprot queue
// (spec.md section 4.7 step 4).
type unprotectMsg struct {
	region *model.Region
	addr   uintptr
	write  bool
}

// syncMsg is forwarded from the unprot worker to the sync worker the
// first time a region enters a fault group (spec.md section 4.7: "on
// first pending region ... forward SyncToHost(r) to the sync queue").
type syncMsg struct {
	region *model.Region
}

// queueCapacity bounds how many fault events may be in flight before
// a producer blocks; sized generously since a live region count in
// the thousands is already an unusual deployment.
const queueCapacity = 4096

func newUnprotQueue() *worker.Queue[unprotectMsg] {
	return worker.NewQueue[unprotectMsg](queueCapacity)
}
func newSyncQueue() *worker.Queue[syncMsg] { return worker.NewQueue[syncMsg](queueCapacity) }

// startWorkers brings up the four background goroutines the engine
// depends on once Init has built the arena/store/backend: the fault
// transport's poll loop, the fault dispatcher, the unprot worker, and
// the sync worker. Each posts to ready before entering its main loop
// and folds its OS thread into the immune set, per spec.md section
// 4.9 ("each worker posts an init-complete semaphore ... then both
// are added to the immune set"). Grounded on fuse.Server.Serve, which
// likewise starts one goroutine per worker slot and tracks each in a
// WaitGroup so Unmount (here, Close) can wait for orderly drain.
func (e *Engine) startWorkers() error {
	ready := make(chan struct{})

	e.wgTransport.Add(1)
	go e.runFaultTransport(ready)
	e.wgDispatch.Add(1)
	go e.runFaultDispatcher(ready)
	e.wgUnprot.Add(1)
	go e.runUnprotWorker(ready)
	e.wgSync.Add(1)
	go e.runSyncWorker(ready)

	for i := 0; i < 4; i++ {
		<-ready
	}
	return nil
}

// registerWorker pins the calling goroutine to its OS thread, records
// it as immune from stop-the-world (suspending a worker would
// deadlock every thread waiting on a fault to clear), and posts the
// init-complete signal. The returned func must be deferred.
func (e *Engine) registerWorker(ready chan<- struct{}) func() {
	unreg := func() {}
	if _, u, err := e.threads.Register(); err == nil {
		e.immuneMu.Lock()
		e.immune[e.threads.Self()] = struct{}{}
		e.immuneMu.Unlock()
		unreg = u
	}
	ready <- struct{}{}
	return unreg
}

// runFaultTransport drives fault.Source.Run for the lifetime of the
// engine.
func (e *Engine) runFaultTransport(ready chan<- struct{}) {
	defer e.wgTransport.Done()
	defer e.registerWorker(ready)()
	if err := e.faults.Run(e.runCtx); err != nil && e.runCtx.Err() == nil {
		e.debugf("fault transport exited: %v", err)
	}
}

// runFaultDispatcher is the signal-handler stage of spec.md section
// 4.7 steps 1-4, transposed to the event-driven transport: classify
// the event, reader-lock, look up the covering region, and enqueue an
// Unprotect message for the unprot worker. Step 5 (the faulting
// thread blocking until the region settles) happens in the kernel:
// the transport's fault stays pending until the sync worker fills the
// page, so the dispatcher itself never blocks.
func (e *Engine) runFaultDispatcher(ready chan<- struct{}) {
	defer e.wgDispatch.Done()
	defer e.registerWorker(ready)()
	for ev := range e.faults.Events() {
		e.handleFault(ev)
	}
}

func (e *Engine) handleFault(ev fault.Event) {
	e.stats.Add(stats.ParamFaults, 1)

	e.mu.RLock()
	var reg *model.Region
	if e.store != nil {
		reg = e.store.Lookup(ev.Addr)
	}
	e.mu.RUnlock()

	if reg == nil {
		// The C original delegates unrecognized faults to the
		// previously installed handler; the transport cannot report
		// faults for unregistered ranges, so reaching here means the
		// region was torn down while the event was in flight. Wake
		// the access and let it retry against the now-live page.
		e.debugf("fault at %#x outside any region", ev.Addr)
		if err := e.faults.Wake(ev.Addr, 1); err != nil {
			e.debugf("wake orphan fault at %#x: %v", ev.Addr, err)
		}
		return
	}
	e.unprotQ.Push(unprotectMsg{region: reg, addr: ev.Addr, write: ev.Write})
}

// runUnprotWorker implements spec.md section 4.7's unprot thread: it
// classifies each incoming fault against the owning region's current
// protection, opens (or joins) that region's fault group, and - on
// the first pending region - calls stop-the-world before handing the
// actual device->host settle to the sync worker. A region already at
// READ_WRITE is a spurious or already-resolved fault and is answered
// immediately with no stop-the-world episode. A fault on a READ
// region (host write after a read-only kernel) takes the same settle
// path as NONE: the settle synchronizes device state to host before
// dropping protection, which keeps the actuality invariant even when
// a device copy raced the host write declaration.
func (e *Engine) runUnprotWorker(ready chan<- struct{}) {
	defer e.wgUnprot.Done()
	defer e.registerWorker(ready)()
	for msg := range e.unprotQ.Chan() {
		reg := msg.region
		e.debugf("fault at %#x (write=%v) region %v prot %v", msg.addr, msg.write, reg.Range, reg.Prot())
		if reg.Prot() == model.ProtReadWrite {
			if err := e.faults.Wake(msg.addr, 1); err != nil {
				e.debugf("wake spurious fault at %#x: %v", msg.addr, err)
			}
			continue
		}

		e.groupMu.Lock()
		pg, exists := e.pendingRegions[reg]
		if !exists {
			if len(e.pendingRegions) == 0 {
				resume, err := e.beginStopTheWorld()
				if err != nil {
					e.debugf("stop-the-world: %v", err)
				}
				e.stwResume = resume
				e.stats.Add(stats.ParamStopTheWorld, 1)
			}
			pg = &pendingGroup{}
			e.pendingRegions[reg] = pg
		}
		pg.waiters = append(pg.waiters, msg.addr)
		first := !exists
		e.groupMu.Unlock()

		if first {
			e.syncQ.Push(syncMsg{region: reg})
		}
	}
}

// runSyncWorker implements the sync thread half of spec.md section
// 4.7: settle every subregion of the region to host, install
// READ_WRITE, then wake every fault that was waiting on this region
// and - once no region is left pending - resume the threads
// stop-the-world parked.
func (e *Engine) runSyncWorker(ready chan<- struct{}) {
	defer e.wgSync.Done()
	defer e.registerWorker(ready)()
	for msg := range e.syncQ.Chan() {
		reg := msg.region

		e.mu.RLock()
		err := e.settleRegionLocked(reg)
		e.mu.RUnlock()
		if err != nil {
			// A failed settle is the EPROT class of spec.md section 7:
			// the region may be inconsistent and the application must
			// treat it as fatal. Waking the faulters anyway trades a
			// silent hang for a loud read of whatever is there.
			e.debugf("settle region %v: %v", reg.Range, err)
		}

		e.groupMu.Lock()
		pg := e.pendingRegions[reg]
		delete(e.pendingRegions, reg)
		var resume func()
		if len(e.pendingRegions) == 0 {
			resume = e.stwResume
			e.stwResume = nil
		}
		e.groupMu.Unlock()

		if pg != nil {
			for _, addr := range pg.waiters {
				if err := e.faults.Wake(addr, 1); err != nil {
					e.debugf("wake %#x after settle: %v", addr, err)
				}
			}
		}
		if resume != nil {
			resume()
		}
	}
}

// beginStopTheWorld delegates to worker.StopTheWorld, looking up each
// thread's gate from the registry safepoint populates.
func (e *Engine) beginStopTheWorld() (func(), error) {
	gateOf := func(id platform.ThreadID) *platform.ThreadGate {
		e.gatesMu.Lock()
		defer e.gatesMu.Unlock()
		return e.threadGates[id]
	}
	e.immuneMu.Lock()
	immune := make(platform.ThreadSet, len(e.immune))
	for id := range e.immune {
		immune[id] = struct{}{}
	}
	e.immuneMu.Unlock()
	return worker.StopTheWorld(e.runCtx, e.threads, immune, gateOf)
}
