// Package platform abstracts the thread capability the coherence
// engine treats as a pluggable collaborator: enumerating and
// suspending application threads for stop-the-world. The other
// OS-portability capability, a stream of page-fault events for
// protected host memory, lives in package fault. The coherence core
// only depends on these interfaces, not on either mechanism.
package platform

import (
	"context"
	"sync"
)

// ThreadID identifies an OS thread (Linux: the value of gettid()).
type ThreadID int32

// ThreadSet is an unordered collection of thread identifiers, used for
// pre_init's before/after snapshot diff.
type ThreadSet map[ThreadID]struct{}

// Diff returns the members of b that are not in a.
func (a ThreadSet) Diff(b ThreadSet) ThreadSet {
	out := make(ThreadSet)
	for id := range b {
		if _, ok := a[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// ThreadGate is the per-thread block/unblock primitive used during
// stop-the-world: the suspended thread calls Wait at its own
// cooperative safepoint, and the engine's sync worker calls Release
// (through the resume func StopTheWorld returned) once the window is
// safe to resume.
type ThreadGate struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewThreadGate returns a gate in the "running" state: Wait returns
// immediately until a suspend is requested via Request.
func NewThreadGate() *ThreadGate {
	g := &ThreadGate{ch: make(chan struct{})}
	close(g.ch) // closed == not suspended
	return g
}

// Request puts the gate into the "suspended" state. Threads that call
// Wait after this point block until Release.
func (g *ThreadGate) Request() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already suspended
	}
}

// Release resumes any thread currently blocked in Wait.
func (g *ThreadGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already released
	default:
		close(g.ch)
	}
}

// Wait blocks until the gate is not in the suspended state.
func (g *ThreadGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspended reports whether the gate currently blocks Wait.
func (g *ThreadGate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return false
	default:
		return true
	}
}

// Threads is the platform capability for enumerating and suspending
// application threads. Implementations: linux.go (/proc/self/task +
// real-time signal nudge) and generic.go (in-process registry only,
// for platforms without cheap thread enumeration).
type Threads interface {
	// Self returns the calling OS thread's identifier.
	Self() ThreadID

	// Enumerate lists every thread in the process.
	Enumerate() ([]ThreadID, error)

	// DeliverSuspend asks the named thread to park at its next
	// cooperative safepoint. It must not block.
	DeliverSuspend(id ThreadID) error

	// Register opts the calling goroutine's thread into stop-the-world
	// bookkeeping and returns its gate. The caller must invoke the
	// returned function to unregister before the thread exits.
	Register() (*ThreadGate, func(), error)

	// Snapshot returns the current thread set, used by PreInit.
	Snapshot() (ThreadSet, error)
}
