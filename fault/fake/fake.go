// Package fake provides an in-process fault.Source for tests: it does
// not touch real memory protection, it only tracks which ranges are
// registered and lets a test Trigger a fault the way an application
// thread touching protected memory would.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/rangeaddr"
)

type registration struct {
	r    rangeaddr.Range
	mode fault.Mode
}

// Source is a test double for fault.Source. Fill and ReadProtected
// operate on the live host bytes directly, since no real protection
// is in place.
type Source struct {
	mu    sync.Mutex
	regs  []registration
	wakes int
	fills int
	evs   chan fault.Event
	done  chan struct{}
	ended bool
}

// New returns a ready-to-use fake fault source.
func New() *Source {
	return &Source{
		evs:  make(chan fault.Event, 64),
		done: make(chan struct{}),
	}
}

func (s *Source) Register(addr, n uintptr, mode fault.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := rangeaddr.New(addr, n)
	for i := range s.regs {
		if s.regs[i].r == target {
			s.regs[i].mode = mode
			return nil
		}
	}
	s.regs = append(s.regs, registration{r: target, mode: mode})
	return nil
}

func (s *Source) Unregister(addr, n uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := rangeaddr.New(addr, n)
	out := s.regs[:0]
	for _, reg := range s.regs {
		if reg.r != target {
			out = append(out, reg)
		}
	}
	s.regs = out
	return nil
}

func (s *Source) ReadProtected(addr, n uintptr) ([]byte, error) {
	out := make([]byte, n)
	copy(out, fault.HostBytes(addr, n))
	return out, nil
}

func (s *Source) Fill(addr uintptr, data []byte) error {
	copy(fault.HostBytes(addr, uintptr(len(data))), data)
	s.mu.Lock()
	s.fills++
	s.mu.Unlock()
	return nil
}

func (s *Source) Wake(addr, n uintptr) error {
	s.mu.Lock()
	s.wakes++
	s.mu.Unlock()
	return nil
}

func (s *Source) Events() <-chan fault.Event {
	return s.evs
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.done)
		close(s.evs)
	}
	return nil
}

func (s *Source) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Trigger simulates a host thread touching addr, as if it were
// protected. It reports an error if addr is not within any registered
// range, matching the real transport's inability to fault on
// unregistered memory. A read of a write-protected-only range does
// not fault and is reported as such.
func (s *Source) Trigger(addr uintptr, write bool) error {
	s.mu.Lock()
	var found *registration
	for i := range s.regs {
		if s.regs[i].r.ContainsPtr(addr) {
			found = &s.regs[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("fake: %#x is not a registered protected address", addr)
	}
	if found.mode == fault.ModeWriteProtect && !write {
		return fmt.Errorf("fake: read of write-protected-only %#x does not fault", addr)
	}
	s.evs <- fault.Event{Addr: addr, Write: write}
	return nil
}

// Registered reports whether addr falls in a registered range and in
// which mode, for test assertions about the protection a region ended
// up with.
func (s *Source) Registered(addr uintptr) (fault.Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.regs {
		if reg.r.ContainsPtr(addr) {
			return reg.mode, true
		}
	}
	return 0, false
}

// Counts reports how many Fill and Wake calls the source has seen.
func (s *Source) Counts() (fills, wakes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills, s.wakes
}
