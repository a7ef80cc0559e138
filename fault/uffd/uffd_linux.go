//go:build linux

// Package uffd implements fault.Source over Linux userfaultfd(2),
// grounded on the production uffd client shape used by VM memory
// servers: register ranges in MISSING or write-protect mode, poll the
// descriptor for pagefault messages, and answer them with UFFDIO_COPY
// / UFFDIO_WRITEPROTECT / UFFDIO_WAKE. The kernel parks each faulting
// thread until the fault is answered, then retries the access itself,
// which is exactly the "trap, resolve, retry transparently" contract
// the coherence engine needs.
//
// Two translation details:
//
//   - Protection NONE (trap reads and writes) maps to MISSING-mode
//     registration plus madvise(MADV_DONTNEED): present pages never
//     trap in MISSING mode, so the pages are dropped. The range's
//     prior bytes are snapshotted first; Fill and Unregister
//     reconstruct every page from the snapshot plus whatever newer
//     image the caller supplies. Dropping the pages loses nothing the
//     caller cares about, since a range is only ever protected NONE
//     when its current image lives on a device.
//
//   - Protection READ (trap writes only) maps to write-protect-mode
//     registration; the pages stay present and readable.
//
// Ranges handed to Register must be page-aligned and must come from
// an application-managed mapping (e.g. unix.Mmap). Registering pages
// owned by the Go heap is not supported: the runtime may touch them
// from threads the engine never sees.
package uffd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/rangeaddr"
)

type entry struct {
	r    rangeaddr.Range
	mode fault.Mode
	// snapshot holds the range's bytes as of Register, ModeMissing
	// only.
	snapshot []byte
	// wpLifted marks a write-protect entry whose protection Fill has
	// already removed; Unregister must not un-protect it twice.
	wpLifted bool
}

// Source is the userfaultfd-backed fault transport.
type Source struct {
	fd       int
	pageSize uintptr
	wpOK     bool

	exitR, exitW *os.File

	mu      sync.Mutex
	entries []*entry
	closed  bool

	evs chan fault.Event
}

// New opens a userfaultfd descriptor and performs the API handshake.
// Write-protect support is probed; kernels without
// UFFD_FEATURE_PAGEFAULT_FLAG_WP still work, but reject
// ModeWriteProtect registrations.
func New() (*Source, error) {
	rawfd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("uffd: userfaultfd: %w", errno)
	}
	fd := int(rawfd)

	wpOK := true
	api := uffdioAPIArg{api: apiVersion, features: featurePagefaultFlagWP}
	if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&api)); err != nil {
		wpOK = false
		api = uffdioAPIArg{api: apiVersion}
		if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&api)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("uffd: UFFDIO_API handshake: %w", err)
		}
	}

	exitR, exitW, err := os.Pipe()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Source{
		fd:       fd,
		pageSize: uintptr(unix.Getpagesize()),
		wpOK:     wpOK,
		exitR:    exitR,
		exitW:    exitW,
		evs:      make(chan fault.Event, 256),
	}, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *Source) Register(addr, n uintptr, mode fault.Mode) error {
	if n == 0 || addr%s.pageSize != 0 || n%s.pageSize != 0 {
		return fmt.Errorf("uffd: register %#x+%#x is not page-aligned", addr, n)
	}
	if mode == fault.ModeWriteProtect && !s.wpOK {
		return fmt.Errorf("uffd: kernel lacks UFFD_FEATURE_PAGEFAULT_FLAG_WP")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := rangeaddr.New(addr, n)
	if old := s.findLocked(target); old != nil {
		if old.mode == mode && !old.wpLifted {
			return nil
		}
		// Mode change: tear the old registration down first, which
		// restores plain access, then re-register fresh.
		if err := s.unregisterEntryLocked(old); err != nil {
			return err
		}
	}

	e := &entry{r: target, mode: mode}
	switch mode {
	case fault.ModeMissing:
		// Snapshot before the pages are dropped: bytes of this range
		// that no device rewrites (unaligned array edges, host-actual
		// neighbours sharing the region) must survive until Fill or
		// Unregister reconstructs the pages.
		e.snapshot = append([]byte(nil), fault.HostBytes(addr, n)...)
		if err := s.registerRange(target, registerModeMissing); err != nil {
			return err
		}
		if err := unix.Madvise(fault.HostBytes(addr, n), unix.MADV_DONTNEED); err != nil {
			s.unregisterRange(target)
			return fmt.Errorf("uffd: madvise DONTNEED %v: %w", target, err)
		}
	case fault.ModeWriteProtect:
		if err := s.registerRange(target, registerModeWP); err != nil {
			return err
		}
		if err := s.writeProtect(target, true, false); err != nil {
			s.unregisterRange(target)
			return err
		}
	default:
		return fmt.Errorf("uffd: unknown mode %v", mode)
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *Source) Unregister(addr, n uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findLocked(rangeaddr.New(addr, n))
	if e == nil {
		return fmt.Errorf("uffd: %v is not registered", rangeaddr.New(addr, n))
	}
	return s.unregisterEntryLocked(e)
}

func (s *Source) unregisterEntryLocked(e *entry) error {
	switch e.mode {
	case fault.ModeMissing:
		// Unregistering with pages still absent would zero-fill them
		// on the next access; restore the pre-registration image into
		// any page Fill never settled.
		if err := s.installPages(e.r.Start, e.snapshot); err != nil {
			return err
		}
		s.wakeRange(e.r)
	case fault.ModeWriteProtect:
		if !e.wpLifted {
			if err := s.writeProtect(e.r, false, false); err != nil {
				return err
			}
		}
	}
	if err := s.unregisterRange(e.r); err != nil {
		return err
	}
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Source) ReadProtected(addr, n uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, n)
	e := s.coveringLocked(addr)
	if e == nil || e.mode == fault.ModeWriteProtect {
		// Reads do not trap here; serve the live bytes.
		copy(out, fault.HostBytes(addr, n))
		return out, nil
	}
	// ModeMissing: a live load would fault and deadlock the caller
	// against its own transport. Serve the snapshot, which is current
	// for every byte no device has rewritten: the host cannot have
	// written since Register dropped the pages.
	off := addr - e.r.Start
	if off+n > uintptr(len(e.snapshot)) {
		return nil, fmt.Errorf("uffd: read %#x+%#x exceeds registered range %v", addr, n, e.r)
	}
	copy(out, e.snapshot[off:off+n])
	return out, nil
}

func (s *Source) Fill(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.coveringLocked(addr)
	if e == nil {
		copy(fault.HostBytes(addr, uintptr(len(data))), data)
		return nil
	}
	switch e.mode {
	case fault.ModeMissing:
		if addr%s.pageSize != 0 || uintptr(len(data))%s.pageSize != 0 {
			return fmt.Errorf("uffd: fill %#x+%#x of a missing-mode range is not page-aligned", addr, len(data))
		}
		// Make every page present first (pages already present are
		// skipped), then overwrite through the mapping, now safe, so
		// previously-settled pages also end up with the new image.
		if err := s.installPages(addr, data); err != nil {
			return err
		}
		copy(fault.HostBytes(addr, uintptr(len(data))), data)
		return s.wakeRange(rangeaddr.New(addr, uintptr(len(data))))
	case fault.ModeWriteProtect:
		if !e.wpLifted {
			if err := s.writeProtect(e.r, false, true); err != nil {
				return err
			}
			e.wpLifted = true
		}
		copy(fault.HostBytes(addr, uintptr(len(data))), data)
		return s.wakeRange(e.r)
	}
	return nil
}

func (s *Source) Wake(addr, n uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coveringLocked(addr) == nil {
		return nil
	}
	start := addr &^ (s.pageSize - 1)
	end := (addr + n + s.pageSize - 1) &^ (s.pageSize - 1)
	return s.wakeRange(rangeaddr.Range{Start: start, End: end})
}

func (s *Source) Events() <-chan fault.Event {
	return s.evs
}

// Close signals Run to shut down. Run owns the descriptor and the
// event channel and releases both on its way out.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.exitW.Write([]byte{0})
	s.exitW.Close()
	return nil
}

// Run polls the descriptor for pagefault messages and forwards them
// as Events until Close is called. ctx is checked each time poll
// returns; cancelling it does not by itself interrupt a waiting poll.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.evs)
	defer unix.Close(s.fd)
	defer s.exitR.Close()

	pollFds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.exitR.Fd()), Events: unix.POLLIN},
	}
	buf := make([]byte, unsafe.Sizeof(uffdMsg{}))

	for {
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("uffd: poll: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(s.fd, buf)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return fmt.Errorf("uffd: read: %w", err)
		}
		if n < int(unsafe.Sizeof(uffdMsg{})) {
			continue
		}

		msg := *(*uffdMsg)(unsafe.Pointer(&buf[0]))
		if msg.event != eventPagefault {
			// MINOR, FORK etc. are never requested; drop.
			continue
		}
		pf := *(*uffdPagefault)(unsafe.Pointer(&msg.arg[0]))
		s.evs <- fault.Event{
			Addr:  uintptr(pf.address),
			Write: pf.flags&(pagefaultFlagWrite|pagefaultFlagWP) != 0,
		}
	}
}

func (s *Source) registerRange(r rangeaddr.Range, mode uint64) error {
	arg := uffdioRegisterArg{
		rng:  uffdioRange{start: uint64(r.Start), len: uint64(r.Len())},
		mode: mode,
	}
	if err := ioctl(s.fd, ioctlRegister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("uffd: UFFDIO_REGISTER %v: %w", r, err)
	}
	return nil
}

func (s *Source) unregisterRange(r rangeaddr.Range) error {
	arg := uffdioRange{start: uint64(r.Start), len: uint64(r.Len())}
	if err := ioctl(s.fd, ioctlUnregister, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("uffd: UFFDIO_UNREGISTER %v: %w", r, err)
	}
	return nil
}

func (s *Source) writeProtect(r rangeaddr.Range, protect, dontwake bool) error {
	arg := uffdioWriteprotectArg{
		rng: uffdioRange{start: uint64(r.Start), len: uint64(r.Len())},
	}
	if protect {
		arg.mode |= wpModeWP
	}
	if dontwake {
		arg.mode |= wpModeDontwake
	}
	if err := ioctl(s.fd, ioctlWriteprotect, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("uffd: UFFDIO_WRITEPROTECT %v: %w", r, err)
	}
	return nil
}

// installPages copies data into the absent pages of a missing-mode
// range one page at a time, skipping pages that are already present
// (EEXIST) rather than aborting the rest. Parked threads are not
// woken; callers wake the range once its whole image is settled.
func (s *Source) installPages(addr uintptr, data []byte) error {
	for off := uintptr(0); off < uintptr(len(data)); off += s.pageSize {
		arg := uffdioCopyArg{
			dst:  uint64(addr + off),
			src:  uint64(uintptr(unsafe.Pointer(&data[off]))),
			len:  uint64(s.pageSize),
			mode: copyModeDontwake,
		}
		err := ioctl(s.fd, ioctlCopy, unsafe.Pointer(&arg))
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return fmt.Errorf("uffd: UFFDIO_COPY at %#x: %w", addr+off, err)
		}
	}
	return nil
}

func (s *Source) wakeRange(r rangeaddr.Range) error {
	arg := uffdioRange{start: uint64(r.Start), len: uint64(r.Len())}
	if err := ioctl(s.fd, ioctlWake, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("uffd: UFFDIO_WAKE %v: %w", r, err)
	}
	return nil
}

func (s *Source) findLocked(r rangeaddr.Range) *entry {
	for _, e := range s.entries {
		if e.r == r {
			return e
		}
	}
	return nil
}

func (s *Source) coveringLocked(addr uintptr) *entry {
	for _, e := range s.entries {
		if e.r.ContainsPtr(addr) {
			return e
		}
	}
	return nil
}
