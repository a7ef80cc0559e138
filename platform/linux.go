//go:build linux

package platform

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// sigrtmin is the first real-time signal usable by applications on
// Linux under glibc, which reserves the two kernel RT signals below
// it for its own threading. Spelled out because it is a libc runtime
// value, not a constant x/sys/unix can export.
const sigrtmin = 34

// suspendSignal is the real-time signal used to nudge a target thread
// out of a blocking syscall so it reaches its cooperative safepoint
// sooner. The actual park/resume handshake happens through the
// thread's registered ThreadGate, not through the signal itself: Go's
// runtime does not let user code intercept a signal on the specific
// OS thread that received it, only on an arbitrary internal goroutine
// (see DESIGN.md for the full rationale).
const suspendSignal = unix.Signal(sigrtmin + 4)

// linuxThreads enumerates threads via /proc/self/task and tracks
// registered goroutines' gates in a per-instance map keyed by TID.
type linuxThreads struct {
	mu   sync.Mutex
	tids map[ThreadID]*ThreadGate
}

// New returns the best Threads implementation for the current
// platform.
func New() Threads {
	return NewLinux()
}

// NewLinux returns the Linux Threads implementation. Construction
// installs a handler for the suspension signal (the counterpart of
// the C library's sigaction in its thread shim): an unhandled
// real-time signal would terminate the process, a handled one merely
// kicks the target thread out of any slow syscall.
func NewLinux() Threads {
	installSuspendHandler.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, suspendSignal)
		go func() {
			for range c {
			}
		}()
	})
	return &linuxThreads{tids: make(map[ThreadID]*ThreadGate)}
}

var installSuspendHandler sync.Once

func (t *linuxThreads) Self() ThreadID {
	return ThreadID(unix.Gettid())
}

func (t *linuxThreads) Enumerate() ([]ThreadID, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, fmt.Errorf("platform: read /proc/self/task: %w", err)
	}
	out := make([]ThreadID, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		out = append(out, ThreadID(n))
	}
	return out, nil
}

func (t *linuxThreads) DeliverSuspend(id ThreadID) error {
	t.mu.Lock()
	gate := t.tids[id]
	t.mu.Unlock()
	if gate != nil {
		gate.Request()
	}
	// Best-effort nudge: wakes the thread if it is parked in a slow
	// blocking syscall so it reaches its next safepoint promptly.
	pid := unix.Getpid()
	if err := unix.Tgkill(pid, int(id), suspendSignal); err != nil && err != unix.ESRCH {
		return fmt.Errorf("platform: tgkill %d: %w", id, err)
	}
	return nil
}

func (t *linuxThreads) Register() (*ThreadGate, func(), error) {
	runtime.LockOSThread()
	id := t.Self()
	gate := NewThreadGate()

	t.mu.Lock()
	t.tids[id] = gate
	t.mu.Unlock()

	unregister := func() {
		t.mu.Lock()
		delete(t.tids, id)
		t.mu.Unlock()
		runtime.UnlockOSThread()
	}
	return gate, unregister, nil
}

// MaskSuspendSignals blocks the runtime's asynchronous-preemption
// signal (SIGURG) and the engine's suspend nudge on the current OS
// thread, for the WRITER_SIG_BLOCK discipline: a thread holding the
// writer lock must not be diverted into a suspension handler while
// the lock is held. The caller must have the OS thread locked and
// must invoke the returned func to restore the previous mask.
func MaskSuspendSignals() func() {
	var mask, old unix.Sigset_t
	sigaddset(&mask, int(unix.SIGURG))
	sigaddset(&mask, int(suspendSignal))
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, &old); err != nil {
		return func() {}
	}
	return func() {
		unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
	}
}

func sigaddset(set *unix.Sigset_t, sig int) {
	set.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

func (t *linuxThreads) Snapshot() (ThreadSet, error) {
	ids, err := t.Enumerate()
	if err != nil {
		return nil, err
	}
	out := make(ThreadSet, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
