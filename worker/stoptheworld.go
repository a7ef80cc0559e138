package worker

import (
	"context"
	"fmt"

	"github.com/hanwen/uvmc/platform"
)

// StopTheWorld implements spec.md section 4.8: it suspends every
// application thread that is not immune and not already gated, in
// passes, until a full pass suspends nothing new (catching threads
// created mid-procedure). The returned func releases the gate of every
// registered thread this call suspended, and also of every registered
// thread it found already suspended when it ran.
//
// Go cannot preemptively park an arbitrary goroutine's OS thread the
// way the C original's real-time signal handler parks a POSIX thread
// synchronously; ThreadGate suspension is cooperative (a registered
// thread blocks in Wait the next time it reaches a safepoint, see
// platform.Threads.Register). StopTheWorld therefore only guarantees
// that a suspend request has been delivered to every live,
// non-immune, registered thread before it returns, not that those
// threads have already parked (DESIGN.md describes how the fault
// transport, not this procedure, keeps host threads out of a region
// while it is settled).
//
// threads.Register's gate lookup happens through gateOf, supplied by
// the caller: the worker package has no map from ThreadID to
// ThreadGate of its own (platform.Threads owns that bookkeeping).
func StopTheWorld(ctx context.Context, threads platform.Threads, immune platform.ThreadSet, gateOf func(platform.ThreadID) *platform.ThreadGate) (resume func(), err error) {
	suspended := make(map[platform.ThreadID]*platform.ThreadGate)
	self := threads.Self()

	for {
		ids, err := threads.Enumerate()
		if err != nil {
			return nil, fmt.Errorf("worker: stop-the-world enumerate: %w", err)
		}
		addedNew := false
		for _, id := range ids {
			if id == self {
				continue
			}
			if _, immuneThread := immune[id]; immuneThread {
				continue
			}
			if _, already := suspended[id]; already {
				continue
			}
			gate := gateOf(id)
			if gate == nil {
				// Unregistered thread: there is no gate to request,
				// so DeliverSuspend only nudges it with the signal;
				// it is not recorded and resume does not touch it.
				if err := threads.DeliverSuspend(id); err != nil {
					return nil, fmt.Errorf("worker: deliver suspend to %d: %w", id, err)
				}
				continue
			}
			if gate.Suspended() {
				suspended[id] = gate
				continue
			}
			if err := threads.DeliverSuspend(id); err != nil {
				return nil, fmt.Errorf("worker: deliver suspend to %d: %w", id, err)
			}
			suspended[id] = gate
			addedNew = true
		}
		if !addedNew {
			break
		}
	}

	resume = func() {
		for _, gate := range suspended {
			gate.Release()
		}
	}
	return resume, nil
}
