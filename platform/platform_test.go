package platform

import (
	"context"
	"testing"
	"time"
)

func TestThreadGateStates(t *testing.T) {
	g := NewThreadGate()
	if g.Suspended() {
		t.Fatal("fresh gate reports suspended")
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on running gate: %v", err)
	}

	g.Request()
	if !g.Suspended() {
		t.Fatal("Request did not suspend the gate")
	}
	g.Request() // idempotent
	if !g.Suspended() {
		t.Fatal("second Request cleared the gate")
	}

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	select {
	case err := <-released:
		t.Fatalf("Wait returned (%v) while suspended", err)
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Wait after Release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Release did not wake Wait")
	}
	if g.Suspended() {
		t.Error("gate still suspended after Release")
	}
	g.Release() // idempotent
}

func TestThreadGateWaitHonorsContext(t *testing.T) {
	g := NewThreadGate()
	g.Request()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Wait returned nil after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait ignored context cancel")
	}
}

func TestThreadSetDiff(t *testing.T) {
	before := ThreadSet{1: {}, 2: {}}
	after := ThreadSet{1: {}, 2: {}, 7: {}, 9: {}}
	diff := before.Diff(after)
	if len(diff) != 2 {
		t.Fatalf("Diff size = %d, want 2", len(diff))
	}
	for _, id := range []ThreadID{7, 9} {
		if _, ok := diff[id]; !ok {
			t.Errorf("Diff missing %d", id)
		}
	}
}

func TestRegisterSnapshot(t *testing.T) {
	threads := New()
	gate, unregister, err := threads.Register()
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer unregister()
	if gate == nil {
		t.Fatal("Register returned nil gate")
	}

	snap, err := threads.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) == 0 {
		t.Error("Snapshot saw no threads")
	}

	ids, err := threads.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(ids) == 0 {
		t.Error("Enumerate saw no threads")
	}
}
