// Package model implements the coherence engine's data model: the
// Region/Subregion/HostArray/Link graph described in spec section 3,
// and the actuality bookkeeping each Subregion carries.
//
// Subregion's fixed-size bookkeeping fields are backed by
// alloc.Arena-issued byte slices (see subregionRecord), so that the hot path of
// the fault pipeline never drives a Go heap allocation of
// coherence-engine state. The navigation pointers that stitch
// HostArray/Subregion/Region together stay ordinary garbage-collected
// Go pointers: unlike the C original, nothing in this pipeline runs on
// a signal-handler stack where recursing into the allocator would
// deadlock (see DESIGN.md), so there is no correctness reason to keep
// pointer-bearing structures out of GC-managed memory, and doing so
// would require unsafe code the Go memory model does not sanction.
package model

import (
	"sort"
	"sync"

	"github.com/hanwen/uvmc/alloc"
	"github.com/hanwen/uvmc/devicebackend"
	"github.com/hanwen/uvmc/rangeaddr"
)

// ProtStatus is the OS-observable protection state of a Region.
type ProtStatus int

const (
	ProtReadWrite ProtStatus = iota
	ProtRead
	ProtNone
)

func (p ProtStatus) String() string {
	switch p {
	case ProtReadWrite:
		return "READ_WRITE"
	case ProtRead:
		return "READ"
	case ProtNone:
		return "NONE"
	default:
		return "?"
	}
}

// UsageMode is the access mode a kernel declared for a subregion
// between KernelBegin and KernelEnd.
type UsageMode int

const (
	UsageNone UsageMode = iota
	UsageReadOnly
	UsageReadWrite
)

// NoDevice is the sentinel for Subregion.ActualPrimaryDevice when no
// device holds the current image.
const NoDevice = -1

// subregionRecord lists the pointer-free fields a Subregion keeps in
// arena memory. The accessors below do not use this struct's Go
// layout; they read and write a packed little-endian record of
// subregionRecordSize bytes: start @0, end @8, actualHost @16 (one
// byte), actualDevices @24, actualPrimaryDevice @32 (int32), and
// usageMode<<8|usageCount in one uint32 @36.
type subregionRecord struct {
	start               uintptr
	end                 uintptr
	actualHost          bool
	actualDevices       uint64
	actualPrimaryDevice int32
	usageMode           int32
	usageCount          int32
}

const subregionRecordSize = 40

// Subregion is the intersection of one HostArray with one Region.
type Subregion struct {
	Array  *HostArray
	Region *Region

	rec []byte // arena-backed subregionRecord, see accessors below
}

func NewSubregion(a *alloc.Arena, r rangeaddr.Range) (*Subregion, error) {
	buf, err := a.Alloc(subregionRecordSize)
	if err != nil {
		return nil, err
	}
	s := &Subregion{rec: buf}
	s.setRange(r)
	s.SetActualHost(true)
	s.SetActualPrimaryDevice(NoDevice)
	return s, nil
}

func (s *Subregion) Free(a *alloc.Arena) error {
	return a.Free(s.rec)
}

// Range is the subregion's host byte range.
func (s *Subregion) Range() rangeaddr.Range {
	return rangeaddr.Range{Start: s.uintAt(0), End: s.uintAt(8)}
}

func (s *Subregion) setRange(r rangeaddr.Range) {
	s.putUint(0, uint64(r.Start))
	s.putUint(8, uint64(r.End))
}

// ActualHost and the setters below mutate the subregion's arena
// record directly with no locking of their own: callers must hold the
// owning Region's lock (Region.Lock/Unlock) for the duration, since a
// Subregion belongs exclusively to one Region and the engine
// serializes all actuality/usage transitions through that Region's
// mutex rather than the global store lock (see DESIGN.md).
func (s *Subregion) ActualHost() bool { return s.rec[16] != 0 }
func (s *Subregion) SetActualHost(v bool) {
	if v {
		s.rec[16] = 1
	} else {
		s.rec[16] = 0
	}
}

func (s *Subregion) ActualDevices() uint64 { return uint64(s.uintAt(24)) }
func (s *Subregion) SetActualDevices(v uint64) { s.putUint(24, v) }

func (s *Subregion) HasDevice(dev int) bool {
	return s.ActualDevices()&(1<<uint(dev)) != 0
}
func (s *Subregion) SetDevice(dev int) {
	s.SetActualDevices(s.ActualDevices() | (1 << uint(dev)))
}
func (s *Subregion) ClearDevices() { s.SetActualDevices(0) }

func (s *Subregion) ActualPrimaryDevice() int {
	return int(int32(s.uintAt(32) & 0xffffffff))
}
func (s *Subregion) SetActualPrimaryDevice(dev int) {
	s.putUint32(32, uint32(int32(dev)))
}

func (s *Subregion) UsageMode() UsageMode { return UsageMode(s.uint32At(36) >> 8) }
func (s *Subregion) UsageCount() int      { return int(s.uint32At(36) & 0xff) }

// SetUsage packs mode and count into one word; count is expected to
// stay small (concurrent kernels on one subregion/device).
func (s *Subregion) SetUsage(mode UsageMode, count int) {
	s.putUint32(36, uint32(mode)<<8|uint32(count&0xff))
}

func (s *Subregion) IncrementUsage(mode UsageMode) {
	s.SetUsage(mode, s.UsageCount()+1)
}

func (s *Subregion) DecrementUsage() {
	n := s.UsageCount() - 1
	if n <= 0 {
		s.SetUsage(UsageNone, 0)
		return
	}
	s.SetUsage(s.UsageMode(), n)
}

func (s *Subregion) uintAt(off int) uintptr { return uintptr(leUint64(s.rec[off:])) }
func (s *Subregion) putUint(off int, v uint64) { lePutUint64(s.rec[off:], v) }
func (s *Subregion) uint32At(off int) uint32   { return leUint32(s.rec[off:]) }
func (s *Subregion) putUint32(off int, v uint32) { lePutUint32(s.rec[off:], v) }

// Region is a page-aligned host range covering one or more
// coexisting subregions.
type Region struct {
	Range rangeaddr.Range

	mu         sync.Mutex
	cond       *sync.Cond
	epoch      uint64
	prot       ProtStatus
	subregions []*Subregion // sorted ascending by start address
}

func NewRegion(r rangeaddr.Range) *Region {
	reg := &Region{Range: r, prot: ProtReadWrite}
	reg.cond = sync.NewCond(&reg.mu)
	return reg
}

// Lock and Unlock expose the region's mutex directly so the coherence
// engine can serialize a subregion actuality/usage mutation (which
// has no synchronization of its own, see Subregion's accessor
// comment) without going through the engine's global RWMutex.
func (r *Region) Lock()   { r.mu.Lock() }
func (r *Region) Unlock() { r.mu.Unlock() }

func (r *Region) Prot() ProtStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prot
}

// SetProt installs a new protection status and wakes every thread
// waiting in AwaitChange, unless the status is unchanged.
func (r *Region) SetProt(p ProtStatus) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prot == p {
		return false
	}
	r.prot = p
	r.epoch++
	r.cond.Broadcast()
	return true
}

// Epoch returns a token for use with AwaitChange.
func (r *Region) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// AwaitChange blocks until the region's protection has changed at
// least once since `after`.
func (r *Region) AwaitChange(after uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.epoch <= after {
		r.cond.Wait()
	}
}

func (r *Region) Subregions() []*Subregion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subregion, len(r.subregions))
	copy(out, r.subregions)
	return out
}

// InsertSubregion inserts s keeping subregions sorted by start
// address; it reports an error if s overlaps an existing entry.
func (r *Region) InsertSubregion(s *Subregion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sr := s.Range()
	idx := 0
	for idx < len(r.subregions) {
		existing := r.subregions[idx].Range()
		rel := rangeaddr.Compare(sr, existing)
		if rel == rangeaddr.LT {
			break
		}
		if rel != rangeaddr.GT {
			return errOverlap
		}
		idx++
	}
	r.subregions = append(r.subregions, nil)
	copy(r.subregions[idx+1:], r.subregions[idx:])
	r.subregions[idx] = s
	return nil
}

func (r *Region) RemoveSubregion(s *Subregion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.subregions {
		if cur == s {
			r.subregions = append(r.subregions[:i], r.subregions[i+1:]...)
			return
		}
	}
}

func (r *Region) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subregions) == 0
}

// Link binds one HostArray to one device's buffer.
type Link struct {
	Device int
	Buffer devicebackend.Buffer
	Array  *HostArray
}

// HostArray is a contiguous logical host buffer registered with the
// engine.
type HostArray struct {
	Range rangeaddr.Range

	links      map[int]*Link
	subregions []*Subregion // 1-3 entries spanning Range
}

func NewHostArray(r rangeaddr.Range) *HostArray {
	return &HostArray{Range: r, links: make(map[int]*Link)}
}

func (h *HostArray) Link(dev int) *Link {
	return h.links[dev]
}

func (h *HostArray) Subregions() []*Subregion {
	out := make([]*Subregion, len(h.subregions))
	copy(out, h.subregions)
	return out
}

func (h *HostArray) HasLinks() bool {
	return len(h.links) > 0
}

// LinkedDevices returns the devices h currently holds links for, in
// ascending order.
func (h *HostArray) LinkedDevices() []int {
	out := make([]int, 0, len(h.links))
	for dev := range h.links {
		out = append(out, dev)
	}
	sort.Ints(out)
	return out
}

// AddLink creates and wires a Link for dev into the host-array. The
// caller must have already checked no link for dev exists.
func (h *HostArray) AddLink(dev int, buf devicebackend.Buffer) *Link {
	l := &Link{Device: dev, Buffer: buf, Array: h}
	h.links[dev] = l
	return l
}

// RemoveLink drops the link for dev, if any.
func (h *HostArray) RemoveLink(dev int) {
	delete(h.links, dev)
}

// AppendSubregion records s as belonging to h. Used while building a
// HostArray up from its 1-3 page-bounded pieces.
func (h *HostArray) AppendSubregion(s *Subregion) {
	s.Array = h
	h.subregions = append(h.subregions, s)
}

// ClearSubregions drops every subregion reference from h, used when
// tearing the array down.
func (h *HostArray) ClearSubregions() {
	h.subregions = nil
}
