package alloc

import "testing"

func TestAllocFree(t *testing.T) {
	a := New(4096, 0)
	defer a.Close()

	b1, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b2, err := a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(b1) != 64 || len(b2) != 128 {
		t.Fatalf("wrong sizes: %d %d", len(b1), len(b2))
	}

	if err := a.Free(b1); err != nil {
		t.Fatalf("Free b1: %v", err)
	}
	if err := a.Free(b2); err != nil {
		t.Fatalf("Free b2: %v", err)
	}

	blocks, live := a.Stats()
	if live != 0 {
		t.Errorf("live = %d, want 0", live)
	}
	_ = blocks
}

func TestAllocTooLarge(t *testing.T) {
	a := New(4096, 0)
	defer a.Close()
	if _, err := a.Alloc(4096); err != ErrTooLarge {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestFreeBadPointer(t *testing.T) {
	a := New(4096, 0)
	defer a.Close()
	garbage := make([]byte, 8)
	if err := a.Free(garbage); err != ErrNotOwned {
		t.Errorf("err = %v, want ErrNotOwned", err)
	}
}

func TestDoubleFree(t *testing.T) {
	a := New(4096, 0)
	defer a.Close()
	b, _ := a.Alloc(32)
	if err := a.Free(b); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := a.Free(b); err == nil {
		t.Fatalf("second free succeeded, want error")
	}
}

func TestBlockReturnedToOS(t *testing.T) {
	a := New(4096, 0)
	defer a.Close()
	b, _ := a.Alloc(32)
	a.Free(b)
	blocks, _ := a.Stats()
	if blocks != 0 {
		t.Errorf("blocks = %d, want 0 once fully free with keepPages=0", blocks)
	}
}

func TestCoalesceAllowsLargerAllocAfterFree(t *testing.T) {
	a := New(4096, 1)
	defer a.Close()
	var bufs [][]byte
	for i := 0; i < 10; i++ {
		b, err := a.Alloc(300)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		if err := a.Free(b); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	big, err := a.Alloc(4000)
	if err != nil {
		t.Fatalf("Alloc after coalesce: %v", err)
	}
	if len(big) != 4000 {
		t.Errorf("len = %d, want 4000", len(big))
	}
}
