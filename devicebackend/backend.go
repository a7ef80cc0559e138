// Package devicebackend provides the DeviceBackend capability spec.md
// treats as an out-of-core collaborator: bulk host<->device copies and
// device buffer allocation. The coherence engine never inspects device
// memory itself; it only calls through this interface.
package devicebackend

import "context"

// Buffer is an opaque device-side handle, as returned by Alloc and
// consumed by translate(). Its concrete type is owned by the Backend
// implementation.
type Buffer interface{}

// Backend is the device-side capability the engine dispatches copies
// through. A buffer covers a whole linked host-array; off positions a
// copy within it, since a subregion is in general an interior slice
// of its array.
type Backend interface {
	// Alloc reserves a buffer of n bytes on device dev.
	Alloc(ctx context.Context, dev int, n int) (Buffer, error)
	// Free releases a buffer previously returned by Alloc.
	Free(dev int, buf Buffer)
	// CopyHostToDevice copies host into buf at byte offset off.
	CopyHostToDevice(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error
	// CopyDeviceToHost copies len(host) bytes of buf starting at off
	// into host.
	CopyDeviceToHost(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error
}
