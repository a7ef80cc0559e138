//go:build linux

// add-arrays demonstrates the coherence engine end to end: three host
// arrays are linked to "device" buffers (the SHM stand-in backend), a
// kernel computes C = A + B on the device side, and the host then
// reads C straight through its own pointer — the first read faults,
// the engine settles the device image back, and the access completes
// with the kernel's results. Transposed from the add-arrays sample of
// the original C library.
package main

import (
	"context"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hanwen/uvmc/coherence"
	"github.com/hanwen/uvmc/devicebackend"
	"github.com/hanwen/uvmc/model"
)

// 13 KiB + 64 B: deliberately not a page multiple, so the arrays
// exercise the unaligned-edge subregion split.
const arraySize = 13*1024 + 64

// hostAlloc returns application-managed memory: linked ranges must
// not live on the Go heap.
func hostAlloc(n int) []byte {
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Fatalf("mmap host array: %v", err)
	}
	return mem
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func main() {
	ctx := context.Background()
	backend := devicebackend.NewSHMBackend()

	eng := coherence.New()
	if st := eng.PreInit(coherence.Before); !st.Ok() {
		log.Fatalf("pre-init(before): %v", st)
	}
	// The device runtime would start its worker threads here.
	if st := eng.PreInit(coherence.After); !st.Ok() {
		log.Fatalf("pre-init(after): %v", st)
	}
	if st := eng.Init(1, coherence.FlagOpenCL|coherence.FlagStat, coherence.WithBackend(backend)); !st.Ok() {
		log.Fatalf("init: %v", st)
	}
	defer eng.Close()

	a, b, c := hostAlloc(arraySize), hostAlloc(arraySize), hostAlloc(arraySize)
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(i + 1)
	}

	var bufs []devicebackend.Buffer
	for _, arr := range [][]byte{a, b, c} {
		buf, err := backend.Alloc(ctx, 0, arraySize)
		if err != nil {
			log.Fatalf("device alloc: %v", err)
		}
		if st := eng.Link(ctx, addr(arr), arraySize, 0, buf, coherence.LinkOnHost); !st.Ok() {
			log.Fatalf("link: %v", st)
		}
		bufs = append(bufs, buf)
	}

	for _, arr := range [][]byte{a, b, c} {
		if st := eng.KernelBegin(ctx, addr(arr), 0, model.UsageReadWrite); !st.Ok() {
			log.Fatalf("kernel begin: %v", st)
		}
	}

	// The "kernel": C = A + B, computed against the device images.
	da := make([]byte, arraySize)
	db := make([]byte, arraySize)
	dc := make([]byte, arraySize)
	if err := backend.CopyDeviceToHost(ctx, 0, bufs[0], 0, da); err != nil {
		log.Fatalf("kernel read A: %v", err)
	}
	if err := backend.CopyDeviceToHost(ctx, 0, bufs[1], 0, db); err != nil {
		log.Fatalf("kernel read B: %v", err)
	}
	for i := range dc {
		dc[i] = da[i] + db[i]
	}
	if err := backend.CopyHostToDevice(ctx, 0, bufs[2], 0, dc); err != nil {
		log.Fatalf("kernel write C: %v", err)
	}

	for _, arr := range [][]byte{a, b, c} {
		if st := eng.KernelEnd(ctx, addr(arr), 0); !st.Ok() {
			log.Fatalf("kernel end: %v", st)
		}
	}

	// Host reads of C now trap and settle transparently.
	for i := range c {
		if want := byte(2*i + 1); c[i] != want {
			log.Fatalf("c[%d] = %d, want %d", i, c[i], want)
		}
	}

	var faults, copies int64
	eng.Stat(coherence.StatFaults, &faults)
	eng.Stat(coherence.StatDeviceToHostCopies, &copies)
	log.Printf("ok: %d bytes verified, %d faults, %d device->host copies", arraySize, faults, copies)

	for _, arr := range [][]byte{a, b, c} {
		if st := eng.Unlink(ctx, addr(arr), coherence.AllDevices); !st.Ok() {
			log.Fatalf("unlink: %v", st)
		}
	}
}
