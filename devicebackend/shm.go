package devicebackend

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// shmBuffer is a device buffer backed by an anonymous mmap region,
// standing in for device memory the same way vhostuser/deviceregion.go
// stands in for a VM's guest memory: both are address spaces reached
// through mmap plus a byte-range copy.
type shmBuffer struct {
	mem []byte
}

// SHMBackend is a Backend that allocates every "device" buffer as an
// anonymous mmap region on the host, for platforms without a real
// accelerator (and for tests that want genuine byte-for-byte copy
// semantics instead of a recording stub).
type SHMBackend struct {
	mu   sync.Mutex
	bufs map[*shmBuffer]bool
}

func NewSHMBackend() *SHMBackend {
	return &SHMBackend{bufs: make(map[*shmBuffer]bool)}
}

func (b *SHMBackend) Alloc(ctx context.Context, dev int, n int) (Buffer, error) {
	if n == 0 {
		n = 1
	}
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("devicebackend: mmap device buffer: %w", err)
	}
	buf := &shmBuffer{mem: mem}
	b.mu.Lock()
	b.bufs[buf] = true
	b.mu.Unlock()
	return buf, nil
}

func (b *SHMBackend) Free(dev int, buf Buffer) {
	sb, ok := buf.(*shmBuffer)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.bufs, sb)
	b.mu.Unlock()
	unix.Munmap(sb.mem)
}

func (b *SHMBackend) slice(buf Buffer, off uintptr, n int) ([]byte, error) {
	sb, ok := buf.(*shmBuffer)
	if !ok {
		return nil, fmt.Errorf("devicebackend: buffer not owned by SHMBackend")
	}
	if int(off)+n > len(sb.mem) {
		return nil, fmt.Errorf("devicebackend: range %d+%d exceeds device buffer (%d bytes)", off, n, len(sb.mem))
	}
	return sb.mem[off : int(off)+n], nil
}

func (b *SHMBackend) CopyHostToDevice(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error {
	dst, err := b.slice(buf, off, len(host))
	if err != nil {
		return err
	}
	copy(dst, host)
	return nil
}

func (b *SHMBackend) CopyDeviceToHost(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error {
	src, err := b.slice(buf, off, len(host))
	if err != nil {
		return err
	}
	copy(host, src)
	return nil
}
