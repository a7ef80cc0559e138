package fake

import (
	"testing"
	"unsafe"

	"github.com/hanwen/uvmc/fault"
)

func TestTriggerRequiresRegistration(t *testing.T) {
	s := New()
	defer s.Close()

	buf := make([]byte, 4096)
	base := uintptr(unsafe.Pointer(&buf[0]))

	if err := s.Trigger(base, false); err == nil {
		t.Error("Trigger on unregistered address succeeded")
	}

	if err := s.Register(base, 4096, fault.ModeMissing); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Trigger(base+100, false); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case ev := <-s.Events():
		if ev.Addr != base+100 || ev.Write {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no event delivered")
	}

	if err := s.Unregister(base, 4096); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := s.Trigger(base, false); err == nil {
		t.Error("Trigger after Unregister succeeded")
	}
}

func TestWriteProtectOnlyTrapsWrites(t *testing.T) {
	s := New()
	defer s.Close()

	buf := make([]byte, 4096)
	base := uintptr(unsafe.Pointer(&buf[0]))
	if err := s.Register(base, 4096, fault.ModeWriteProtect); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.Trigger(base, false); err == nil {
		t.Error("read of write-protected range faulted")
	}
	if err := s.Trigger(base, true); err != nil {
		t.Fatalf("write trigger: %v", err)
	}
	ev := <-s.Events()
	if !ev.Write {
		t.Error("write fault not flagged as write")
	}
}

func TestFillWritesThrough(t *testing.T) {
	s := New()
	defer s.Close()

	buf := make([]byte, 64)
	base := uintptr(unsafe.Pointer(&buf[0]))
	data := []byte("hello, coherence")
	if err := s.Fill(base, data); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if string(buf[:len(data)]) != string(data) {
		t.Error("Fill did not write the host bytes")
	}

	got, err := s.ReadProtected(base, uintptr(len(data)))
	if err != nil {
		t.Fatalf("ReadProtected: %v", err)
	}
	if string(got) != string(data) {
		t.Error("ReadProtected bytes differ")
	}
}
