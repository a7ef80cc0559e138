//go:build !linux

package platform

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// genericThreads has no portable way to enumerate OS threads, so it
// only tracks goroutines that explicitly Register. Enumerate/Snapshot
// therefore only see cooperating threads; non-Linux builds are
// intended for development and testing of the bookkeeping layers, not
// as the production stop-the-world transport (see DESIGN.md).
type genericThreads struct {
	mu      sync.Mutex
	nextID  int32
	members map[ThreadID]*ThreadGate
}

// New returns the best Threads implementation for the current
// platform.
func New() Threads {
	return &genericThreads{members: make(map[ThreadID]*ThreadGate)}
}

// Self cannot identify the calling OS thread without OS support;
// callers on this platform identify themselves by the gate Register
// returned instead. Stop-the-world skips the zero ID via the immune
// set, which always contains the engine's own workers.
func (t *genericThreads) Self() ThreadID {
	return 0
}

// MaskSuspendSignals is a no-op without a real suspension signal.
func MaskSuspendSignals() func() {
	return func() {}
}

func (t *genericThreads) Enumerate() ([]ThreadID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ThreadID, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	return out, nil
}

func (t *genericThreads) DeliverSuspend(id ThreadID) error {
	t.mu.Lock()
	gate := t.members[id]
	t.mu.Unlock()
	if gate != nil {
		gate.Request()
	}
	return nil
}

func (t *genericThreads) Register() (*ThreadGate, func(), error) {
	runtime.LockOSThread()
	id := ThreadID(atomic.AddInt32(&t.nextID, 1))
	gate := NewThreadGate()

	t.mu.Lock()
	t.members[id] = gate
	t.mu.Unlock()

	unregister := func() {
		t.mu.Lock()
		delete(t.members, id)
		t.mu.Unlock()
		runtime.UnlockOSThread()
	}
	return gate, unregister, nil
}

func (t *genericThreads) Snapshot() (ThreadSet, error) {
	ids, _ := t.Enumerate()
	out := make(ThreadSet, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
