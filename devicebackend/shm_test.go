package devicebackend

import (
	"bytes"
	"context"
	"testing"
)

func TestSHMCopyRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := NewSHMBackend()

	buf, err := b.Alloc(ctx, 0, 8192)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer b.Free(0, buf)

	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte(i * 7)
	}
	if err := b.CopyHostToDevice(ctx, 0, buf, 4096, src); err != nil {
		t.Fatalf("CopyHostToDevice: %v", err)
	}

	dst := make([]byte, 1000)
	if err := b.CopyDeviceToHost(ctx, 0, buf, 4096, dst); err != nil {
		t.Fatalf("CopyDeviceToHost: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Error("roundtrip bytes differ")
	}

	// An offset copy must not disturb other bytes.
	head := make([]byte, 16)
	if err := b.CopyDeviceToHost(ctx, 0, buf, 0, head); err != nil {
		t.Fatalf("CopyDeviceToHost head: %v", err)
	}
	for i, v := range head {
		if v != 0 {
			t.Errorf("head[%d] = %d, want 0", i, v)
		}
	}
}

func TestSHMRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	b := NewSHMBackend()
	buf, err := b.Alloc(ctx, 0, 100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer b.Free(0, buf)

	if err := b.CopyHostToDevice(ctx, 0, buf, 64, make([]byte, 100)); err == nil {
		t.Error("out-of-range CopyHostToDevice succeeded")
	}
	if err := b.CopyDeviceToHost(ctx, 0, buf, 0, make([]byte, 101)); err == nil {
		t.Error("oversized CopyDeviceToHost succeeded")
	}
	if err := b.CopyHostToDevice(ctx, 0, "not ours", 0, nil); err == nil {
		t.Error("foreign buffer accepted")
	}
}

func TestNullBackendRecords(t *testing.T) {
	ctx := context.Background()
	b := NewNullBackend()
	buf, err := b.Alloc(ctx, 1, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := b.CopyHostToDevice(ctx, 1, buf, 8, make([]byte, 16)); err != nil {
		t.Fatalf("CopyHostToDevice: %v", err)
	}
	if err := b.CopyDeviceToHost(ctx, 1, buf, 0, make([]byte, 32)); err != nil {
		t.Fatalf("CopyDeviceToHost: %v", err)
	}
	b.Free(1, buf)

	calls := b.Calls()
	want := []Call{
		{Op: "alloc", Dev: 1, N: 64},
		{Op: "h2d", Dev: 1, Off: 8, N: 16},
		{Op: "d2h", Dev: 1, Off: 0, N: 32},
		{Op: "free", Dev: 1},
	}
	if len(calls) != len(want) {
		t.Fatalf("recorded %d calls, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}
