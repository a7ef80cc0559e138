// Package alloc implements a small page-backed allocator reserved for
// coherence-engine bookkeeping (the fixed-size Subregion records of
// package model). Keeping this metadata off the general-purpose Go heap means
// the fault-handling path never drives an allocation large enough to
// trigger a GC assist or heap growth while worker goroutines are
// mid-copy, mirroring the C original's reason for a private allocator
// (keeping the signal-handler stack out of the general allocator).
package alloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	headerSize  = 8
	allocMagic  = uint32(0xC0FFEE11)
	headerMagic = 4 // offset of magic within the header
)

var (
	// ErrTooLarge is returned when a single allocation would not fit
	// in one page after the header.
	ErrTooLarge = errors.New("alloc: allocation larger than one page")
	// ErrBadPointer is returned by Free when the pointer's header does
	// not carry the allocator's sentinel magic value.
	ErrBadPointer = errors.New("alloc: free of invalid or corrupted pointer")
	// ErrNotOwned is returned by Free when the slice was not handed
	// out by this Arena.
	ErrNotOwned = errors.New("alloc: free of pointer not owned by this arena")
)

type freeChunk struct {
	off  int
	size int
}

type block struct {
	mem  []byte
	free []freeChunk // sorted by off, coalesced
	used int
}

func (b *block) totalFree() int {
	n := 0
	for _, c := range b.free {
		n += c.size
	}
	return n
}

// Arena is a page allocator guarded by its own mutex, so concurrent
// Alloc and Free calls are safe. The coherence engine additionally
// only allocates and frees Subregion records under its writer lock.
type Arena struct {
	mu        sync.Mutex
	pageSize  int
	blocks    []*block
	keepPages int // a block that becomes fully free is munmap'd while more than this many blocks are held
}

// New creates an Arena that obtains blocks in units of the given page
// size. A block that becomes fully free is returned to the OS when the
// arena holds more than keepPages blocks in total; otherwise it is
// kept for reuse.
func New(pageSize int, keepPages int) *Arena {
	if pageSize <= 0 {
		pageSize = unix.Getpagesize()
	}
	return &Arena{pageSize: pageSize, keepPages: keepPages}
}

func (a *Arena) newBlock() (*block, error) {
	mem, err := unix.Mmap(-1, 0, a.pageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("alloc: mmap: %w", err)
	}
	b := &block{
		mem:  mem,
		free: []freeChunk{{off: 0, size: a.pageSize}},
	}
	a.blocks = append(a.blocks, b)
	return b, nil
}

// Alloc returns n bytes of zeroed memory. The returned slice aliases
// mmap'd memory; holding a reference to it after Free is a use-after-
// free, exactly as with the C allocator it replaces.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc: negative size %d", n)
	}
	total := n + headerSize
	if total > a.pageSize {
		return nil, ErrTooLarge
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range a.blocks {
		if off, ok := b.take(total); ok {
			return a.commit(b, off, n), nil
		}
	}

	b, err := a.newBlock()
	if err != nil {
		return nil, err
	}
	off, ok := b.take(total)
	if !ok {
		// cannot happen: a fresh block is exactly one page.
		return nil, ErrTooLarge
	}
	return a.commit(b, off, n), nil
}

func (a *Arena) commit(b *block, off int, n int) []byte {
	binary.LittleEndian.PutUint32(b.mem[off:], uint32(n))
	binary.LittleEndian.PutUint32(b.mem[off+headerMagic:], allocMagic)
	b.used += n + headerSize
	data := b.mem[off+headerSize : off+headerSize+n]
	for i := range data {
		data[i] = 0
	}
	return data
}

// take finds the first free chunk of at least size bytes, splits it,
// and returns the chunk's starting offset.
func (b *block) take(size int) (int, bool) {
	for i, c := range b.free {
		if c.size >= size {
			off := c.off
			if c.size == size {
				b.free = append(b.free[:i], b.free[i+1:]...)
			} else {
				b.free[i] = freeChunk{off: c.off + size, size: c.size - size}
			}
			return off, true
		}
	}
	return 0, false
}

// Free releases a slice previously returned by Alloc.
func (a *Arena) Free(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for bi, b := range a.blocks {
		off, ok := blockOffset(b.mem, data)
		if !ok {
			continue
		}
		hoff := off - headerSize
		if hoff < 0 {
			return ErrBadPointer
		}
		size := int(binary.LittleEndian.Uint32(b.mem[hoff:]))
		magic := binary.LittleEndian.Uint32(b.mem[hoff+headerMagic:])
		if magic != allocMagic || size != len(data) {
			return ErrBadPointer
		}
		// Scrub the header so a double-free is caught on the next call.
		binary.LittleEndian.PutUint32(b.mem[hoff+headerMagic:], 0)

		b.used -= size + headerSize
		a.releaseChunk(b, hoff, size+headerSize)

		if b.used == 0 && len(a.blocks) > a.keepPages {
			a.dropBlock(bi)
		}
		return nil
	}
	return ErrNotOwned
}

func (a *Arena) releaseChunk(b *block, off, size int) {
	nf := freeChunk{off: off, size: size}
	idx := sort.Search(len(b.free), func(i int) bool { return b.free[i].off >= nf.off })
	b.free = append(b.free, freeChunk{})
	copy(b.free[idx+1:], b.free[idx:])
	b.free[idx] = nf

	// Coalesce with neighbors.
	if idx+1 < len(b.free) && b.free[idx].off+b.free[idx].size == b.free[idx+1].off {
		b.free[idx].size += b.free[idx+1].size
		b.free = append(b.free[:idx+1], b.free[idx+2:]...)
	}
	if idx > 0 && b.free[idx-1].off+b.free[idx-1].size == b.free[idx].off {
		b.free[idx-1].size += b.free[idx].size
		b.free = append(b.free[:idx], b.free[idx+1:]...)
	}
}

func (a *Arena) dropBlock(i int) {
	b := a.blocks[i]
	unix.Munmap(b.mem)
	a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
}

// Stats reports the number of blocks held and the bytes in use in them
// (payloads plus their headers), for Engine.DebugData.
func (a *Arena) Stats() (blocks int, liveBytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.blocks {
		liveBytes += b.used
	}
	return len(a.blocks), liveBytes
}

// Close returns every block still held to the OS. Only safe once no
// allocation from this Arena is still reachable.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.blocks {
		unix.Munmap(b.mem)
	}
	a.blocks = nil
}
